package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known control flag keys used for cooperative start/stop signaling
// across processes.
const (
	FlagRunning       = "crawl_running"
	FlagStopRequested = "crawl_stop_requested"
)

// SetFlag upserts a control flag.
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flags (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

// GetFlag reads a control flag, returning def when the key is absent.
func (s *Store) GetFlag(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get flag %s: %w", key, err)
	}
	return value, nil
}

// LogEvent appends one observability record for a job.
func (s *Store) LogEvent(ctx context.Context, jobID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, ts, level, message) VALUES (?, ?, ?, ?)`,
		jobID, s.now().Unix(), level, message,
	)
	if err != nil {
		return fmt.Errorf("log event for %s: %w", jobID, err)
	}
	return nil
}

// ListEvents returns up to limit events for a job in chronological order.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, ts, level, message FROM events
		 WHERE job_id = ? ORDER BY ts ASC, id ASC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt Event
			ts  int64
		)
		if err := rows.Scan(&evt.ID, &evt.JobID, &ts, &evt.Level, &evt.Message); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.TS = fromUnix(ts)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
