package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// reclaimDelay forward-dates reclaimed jobs so a freshly crashed job is not
// re-claimed in the same poll cycle.
const reclaimDelay = 5 * time.Second

// Enqueue inserts or refreshes a job, idempotent by id: a done job is left
// untouched, any other existing row has its target and payload overwritten
// and returns to queued with no backoff.
func (s *Store) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("enqueue: job id is required")
	}
	if job.Kind == "" {
		job.Kind = KindCrawl
	}
	now := s.now().Unix()
	payload := string(job.Payload)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, job.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, kind, target_url, target_name, target_dir, payload, status, available_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			job.ID, job.Kind, job.Target.URL, job.Target.Name, job.Target.Dir, payload, StatusQueued, now, now,
		)
		if err != nil {
			return fmt.Errorf("enqueue insert %s: %w", job.ID, err)
		}
	case err != nil:
		return fmt.Errorf("enqueue lookup %s: %w", job.ID, err)
	case status == StatusDone:
		return tx.Commit()
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET kind = ?, target_url = ?, target_name = ?, target_dir = ?, payload = ?,
			 status = ?, available_at = 0, last_error = '', worker_id = '',
			 processing_started_at = 0, heartbeat_at = 0, updated_at = ?
			 WHERE id = ?`,
			job.Kind, job.Target.URL, job.Target.Name, job.Target.Dir, payload,
			StatusQueued, now, job.ID,
		)
		if err != nil {
			return fmt.Errorf("enqueue update %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue commit %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNext atomically flips the oldest eligible queued job of a kind to
// active under workerID. It returns (nil, nil) when no job is eligible; a
// lost race with a concurrent claimer is also reported as no job available.
func (s *Store) ClaimNext(ctx context.Context, kind Kind, workerID string) (*Job, error) {
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs
		 WHERE kind = ? AND status = ? AND available_at <= ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		kind, StatusQueued, now,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}

	// Compare-and-set keyed on current status: zero rows affected means
	// another worker won the row between select and update.
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, worker_id = ?, processing_started_at = ?,
		 heartbeat_at = ?, state = 'starting', updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusActive, workerID, now, now, now, jobID, StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim update %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, tx.Commit()
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("claim reload %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit %s: %w", jobID, err)
	}
	return job, nil
}

// Heartbeat refreshes the liveness timestamp and progress fields of an
// active job. A heartbeat against a job that is no longer active is a
// silent no-op: the job may have been reclaimed underneath the caller.
func (s *Store) Heartbeat(ctx context.Context, jobID string, p Progress) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ?, position = ?, percent = ?, units = ?,
		 state = CASE WHEN ? = '' THEN state ELSE ? END, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now, p.Position, p.Percent, p.Units, p.State, p.State, now, jobID, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	return nil
}

// Complete records the terminal done transition along with the result and
// summary documents, clearing ownership fields.
func (s *Store) Complete(ctx context.Context, jobID string, result, summary any) error {
	resultJSON, err := marshalDoc(result)
	if err != nil {
		return fmt.Errorf("complete %s: marshal result: %w", jobID, err)
	}
	summaryJSON, err := marshalDoc(summary)
	if err != nil {
		return fmt.Errorf("complete %s: marshal summary: %w", jobID, err)
	}

	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, state = 'completed', result = ?, summary = ?,
		 worker_id = '', processing_started_at = 0, heartbeat_at = 0, updated_at = ?
		 WHERE id = ?`,
		StatusDone, resultJSON, summaryJSON, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	return nil
}

// Fail records a logical failure: tries increments by exactly one, and the
// job either returns to queued behind an exponential backoff window or, once
// maxTries is reached, becomes terminally failed. It reports the new try
// count and final status.
func (s *Store) Fail(ctx context.Context, jobID, errMsg string, maxTries int) (int, Status, error) {
	if len(errMsg) > 2000 {
		errMsg = errMsg[:2000]
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var tries int
	if err := tx.QueryRowContext(ctx, `SELECT tries FROM jobs WHERE id = ?`, jobID).Scan(&tries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", ErrNotFound
		}
		return 0, "", fmt.Errorf("fail lookup %s: %w", jobID, err)
	}
	tries++

	status := StatusFailed
	state := "failed"
	var availableAt int64
	if tries < maxTries {
		status = StatusQueued
		state = "error"
		availableAt = now.Add(Backoff(tries)).Unix()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET tries = ?, last_error = ?, status = ?, state = ?, available_at = ?,
		 worker_id = '', processing_started_at = 0, heartbeat_at = 0, updated_at = ?
		 WHERE id = ?`,
		tries, errMsg, status, state, availableAt, now.Unix(), jobID,
	)
	if err != nil {
		return 0, "", fmt.Errorf("fail update %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("fail commit %s: %w", jobID, err)
	}
	return tries, status, nil
}

// ReclaimStale reverts active jobs whose heartbeat is older than timeout
// back to queued, forward-dated by a small delay. Crash recovery is not a
// logical failure, so tries is left untouched. Returns the number of jobs
// reclaimed. The single conditional update makes racing reclaimers safe:
// only one of them observes affected rows.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-timeout).Unix()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, worker_id = '', processing_started_at = 0,
		 heartbeat_at = 0, state = 'reclaimed', available_at = ?, updated_at = ?
		 WHERE status = ? AND heartbeat_at > 0 AND heartbeat_at < ?`,
		StatusQueued, now.Add(reclaimDelay).Unix(), now.Unix(), StatusActive, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim rows affected: %w", err)
	}
	return n, nil
}

func marshalDoc(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
