// Package journal stores mode dispatch outcomes in SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/mode"
)

//go:embed schema.sql
var schemaSQL string

// Journal is an append-only dispatch log.
type Journal struct {
	*sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One writer; the dispatcher is serialized anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	logger.Info("Journal", "Dispatch journal at %s", path)
	return &Journal{db}, nil
}

// Record stores r.
func (j *Journal) Record(ctx context.Context, r mode.Result) error {
	_, err := j.ExecContext(ctx, `
		INSERT INTO mode_dispatches (id, code, duty, ok, message, started_ns, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Code, r.Duty, r.OK, r.Message, r.Started.UnixNano(), int64(r.Duration))
	if err != nil {
		return fmt.Errorf("failed to insert dispatch %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]mode.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.QueryContext(ctx, `
		SELECT id, code, duty, ok, message, started_ns, duration_ns
		FROM mode_dispatches
		ORDER BY started_ns DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	out := []mode.Result{}
	for rows.Next() {
		var (
			r                   mode.Result
			started, durationNs int64
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.Duty, &r.OK, &r.Message, &started, &durationNs); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		r.Started = time.Unix(0, started)
		r.Duration = time.Duration(durationNs)
		out = append(out, r)
	}
	return out, rows.Err()
}
