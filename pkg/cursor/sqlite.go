package cursor

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteBackend stores cursors in a local SQLite table
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and initializes) the cursor database at path
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cursor database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initialize(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_cursors (
			cursor_key TEXT PRIMARY KEY,
			watermark TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (b *SQLiteBackend) Load(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := b.db.QueryRowContext(ctx,
		`SELECT watermark FROM sync_cursors WHERE cursor_key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (cursor_key, watermark) VALUES (?, ?)
		ON CONFLICT(cursor_key) DO UPDATE SET
			watermark = excluded.watermark,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM sync_cursors WHERE cursor_key = ?`, key)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
