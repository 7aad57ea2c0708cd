package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Dialect captures the SQL differences between supported relational sources
type Dialect struct {
	Name      string
	Driver    string // database/sql driver name
	Greatest  string // two-argument max function
	numbered  bool   // $1 placeholders instead of ?
	textTimes bool   // timestamps stored and compared as text
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "postgres", Greatest: "GREATEST", numbered: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite", Greatest: "MAX", textTimes: true}
)

// DialectFor resolves a dialect by name
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported source driver: %s", name)
}

// Rebind rewrites ? placeholders into the dialect's form
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BindTime converts a watermark into a query argument
func (d Dialect) BindTime(t time.Time) any {
	if d.textTimes {
		return t.UTC().Format("2006-01-02 15:04:05.999999999")
	}
	return t.UTC()
}
