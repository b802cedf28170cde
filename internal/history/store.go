// Package history stores consumed predictions in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cvalentine99/urlguard/internal/models"
)

// Record is a stored prediction.
type Record struct {
	ID             int64
	EventID        string
	RequestID      string
	URL            string
	PredictedClass string
	Source         string
	PredictedAt    time.Time
	ConsumedAt     time.Time
}

// Store is a SQLite-backed prediction history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT DEFAULT '',
		request_id      TEXT DEFAULT '',
		url             TEXT NOT NULL,
		predicted_class TEXT NOT NULL,
		source          TEXT NOT NULL DEFAULT '',
		predicted_at    DATETIME NOT NULL,
		consumed_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_class ON predictions(predicted_class);
	CREATE INDEX IF NOT EXISTS idx_predictions_predicted_at ON predictions(predicted_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_predictions_event
		ON predictions(event_id) WHERE event_id != '';
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores event, consumed from source. Redelivered events with an ID
// already present are ignored; the return value reports whether a row was
// written.
func (s *Store) Insert(ctx context.Context, event models.PredictionEvent, source string) (bool, error) {
	predictedAt := event.Timestamp
	if predictedAt.IsZero() {
		predictedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO predictions (event_id, request_id, url, predicted_class, source, predicted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RequestID, event.URL, event.PredictedClass, source, predictedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert prediction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Recent returns up to limit predictions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, request_id, url, predicted_class, source, predicted_at, consumed_at
		 FROM predictions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EventID, &r.RequestID, &r.URL, &r.PredictedClass,
			&r.Source, &r.PredictedAt, &r.ConsumedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByClass returns the number of stored predictions per label.
func (s *Store) CountByClass(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT predicted_class, COUNT(*) FROM predictions GROUP BY predicted_class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		counts[class] = n
	}
	return counts, rows.Err()
}
