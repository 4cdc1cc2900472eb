// Package queue implements the durable job queue shared by producers and
// worker processes. It is backed by an embedded SQLite database in WAL mode
// so that dashboards can read while a worker writes, and every mutating
// operation runs inside one short immediate transaction.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite driver, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates the requested job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrStoreUnavailable indicates the underlying database could not be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL DEFAULT 'crawl',
  target_url TEXT NOT NULL DEFAULT '',
  target_name TEXT NOT NULL DEFAULT '',
  target_dir TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'queued',
  tries INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  available_at INTEGER NOT NULL DEFAULT 0,
  worker_id TEXT NOT NULL DEFAULT '',
  processing_started_at INTEGER NOT NULL DEFAULT 0,
  heartbeat_at INTEGER NOT NULL DEFAULT 0,
  position INTEGER NOT NULL DEFAULT 0,
  percent INTEGER NOT NULL DEFAULT 0,
  units INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'idle',
  result TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_status_created ON jobs(kind, status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_available ON jobs(status, available_at);

CREATE TABLE IF NOT EXISTS flags (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL DEFAULT '',
  ts INTEGER NOT NULL,
  level TEXT NOT NULL,
  message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job_ts ON events(job_id, ts);
`

// Store provides transactional access to jobs, control flags, and the
// append-only event log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates (if necessary) and opens the queue database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=30000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// SetClock overrides the store's clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

const jobColumns = `id, kind, target_url, target_name, target_dir, payload, status, tries,
 last_error, available_at, worker_id, processing_started_at, heartbeat_at,
 position, percent, units, state, result, summary, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                              Job
		payload, result, summary       string
		availableAt, startedAt, beatAt int64
		createdAt, updatedAt           int64
	)
	err := r.Scan(
		&j.ID, &j.Kind, &j.Target.URL, &j.Target.Name, &j.Target.Dir, &payload,
		&j.Status, &j.Tries, &j.LastError, &availableAt, &j.WorkerID,
		&startedAt, &beatAt, &j.Progress.Position, &j.Progress.Percent,
		&j.Progress.Units, &j.Progress.State, &result, &summary,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		j.Payload = []byte(payload)
	}
	if result != "" {
		j.Result = []byte(result)
	}
	if summary != "" {
		j.Summary = []byte(summary)
	}
	j.AvailableAt = fromUnix(availableAt)
	j.ProcessingStartedAt = fromUnix(startedAt)
	j.HeartbeatAt = fromUnix(beatAt)
	j.CreatedAt = fromUnix(createdAt)
	j.UpdatedAt = fromUnix(updatedAt)
	return &j, nil
}

func fromUnix(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the most recently created jobs of a kind, newest first.
func (s *Store) ListJobs(ctx context.Context, kind Kind, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus counts jobs of a kind in a given status.
func (s *Store) CountByStatus(ctx context.Context, kind Kind, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE kind = ? AND status = ?`, kind, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountReady counts queued jobs of a kind whose backoff window has elapsed.
func (s *Store) CountReady(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE kind = ? AND status = ? AND available_at <= ?`,
		kind, StatusQueued, s.now().Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// LatestActive returns the most recently updated active job of a kind, or
// nil when no job is active.
func (s *Store) LatestActive(ctx context.Context, kind Kind) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = ? AND status = ? ORDER BY updated_at DESC LIMIT 1`,
		kind, StatusActive,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest active job: %w", err)
	}
	return job, nil
}
