package source

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// timestamp scans TIMESTAMP columns from drivers that return either
// time.Time or text. Scan never fails: an unusable value is kept in Err so
// the row can still be returned and skipped downstream.
type timestamp struct {
	Time  time.Time
	Valid bool
	Err   error
}

func (ts *timestamp) Scan(src any) error {
	ts.Time, ts.Valid, ts.Err = time.Time{}, false, nil
	switch v := src.(type) {
	case nil:
		ts.Err = fmt.Errorf("timestamp is NULL")
	case time.Time:
		ts.Time, ts.Valid = v.UTC(), true
	case []byte:
		ts.parse(string(v))
	case string:
		ts.parse(v)
	default:
		ts.Err = fmt.Errorf("cannot scan %T into timestamp", src)
	}
	return nil
}

func (ts *timestamp) parse(raw string) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			ts.Time, ts.Valid = t.UTC(), true
			return
		}
	}
	ts.Err = fmt.Errorf("unrecognized timestamp %q", raw)
}

// number scans numeric columns, tolerating text. NULL scans as zero.
type number struct {
	Float64 float64
	Err     error
}

func (n *number) Scan(src any) error {
	n.Float64, n.Err = 0, nil
	switch v := src.(type) {
	case nil:
	case float64:
		n.Float64 = v
	case float32:
		n.Float64 = float64(v)
	case int64:
		n.Float64 = float64(v)
	case []byte:
		n.parse(string(v))
	case string:
		n.parse(v)
	default:
		n.Err = fmt.Errorf("cannot scan %T into number", src)
	}
	return nil
}

func (n *number) parse(raw string) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		n.Err = fmt.Errorf("unrecognized number %q", raw)
		return
	}
	n.Float64 = f
}

// hostAddress drops the single-host mask PostgreSQL appends to INET text
func hostAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, mask := range []string{"/32", "/128"} {
		if strings.HasSuffix(raw, mask) {
			return strings.TrimSuffix(raw, mask)
		}
	}
	return raw
}

// rowDecoder collects the decode problems of one row
type rowDecoder struct {
	errs []error
}

// require returns the trimmed value, noting NULL or blank as a problem
func (d *rowDecoder) require(column string, v sql.NullString) string {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		d.errs = append(d.errs, fmt.Errorf("%s is empty", column))
	}
	return strings.TrimSpace(v.String)
}

func (d *rowDecoder) number(column string, n number) float64 {
	if n.Err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: %w", column, n.Err))
	}
	return n.Float64
}

// time returns the column's time, or fallback when it is unusable so the
// record still sorts where the database returned it
func (d *rowDecoder) time(column string, ts timestamp, fallback time.Time) time.Time {
	if ts.Err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: %w", column, ts.Err))
		return fallback
	}
	return ts.Time
}

// scanErr records a row the driver could not scan at all
func (d *rowDecoder) scanErr(err error) {
	d.errs = append(d.errs, err)
}

func (d *rowDecoder) err() error {
	return errors.Join(d.errs...)
}
