package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadConfig returns the persisted settings payload and its version.
// found is false when nothing has been saved yet.
func (db *DB) LoadConfig(ctx context.Context) (payload []byte, version int64, found bool, err error) {
	var text string
	err = db.conn.QueryRowContext(ctx, "SELECT payload, version FROM settings WHERE id = 1").Scan(&text, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("loading settings: %w", err)
	}
	return []byte(text), version, true, nil
}

// SaveConfig replaces the persisted settings. Only one copy is kept; the last
// writer wins.
func (db *DB) SaveConfig(ctx context.Context, payload []byte, version int64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO settings (id, payload, version, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, version = excluded.version, updated_at = excluded.updated_at`,
		string(payload), version, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}
