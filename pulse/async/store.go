package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/crmpulse/errors"
)

// Store handles persistence of jobs. It is the authoritative job state;
// queue signals only hint at it.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	stats, err := marshalStats(job.Stats)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, type_id, owner, data, status, error,
			reference_run, last_run, stats,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.TypeID,
		job.Owner,
		string(job.Data),
		job.Status,
		job.Error,
		formatTime(job.ReferenceRun),
		nullableTime(job.LastRun),
		stats,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// GetJob retrieves a job by ID. Unknown ids wrap errors.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		err = errors.Wrap(err, "failed to get job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// UpdateJob persists the mutable state of a job
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	stats, err := marshalStats(job.Stats)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET data = ?,
		    status = ?,
		    error = ?,
		    reference_run = ?,
		    last_run = ?,
		    stats = ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(job.Data),
		job.Status,
		job.Error,
		formatTime(job.ReferenceRun),
		nullableTime(job.LastRun),
		stats,
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", job.ID)
	}
	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`

	var query string
	var args []interface{}
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListWaitingJobs returns WAIT jobs whose reference_run is at or before now, oldest first
func (s *Store) ListWaitingJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE status = ? AND reference_run <= ?
		ORDER BY reference_run ASC`

	rows, err := s.db.QueryContext(ctx, query, JobStatusWait, formatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list waiting jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "waiting jobs")
}

// ListJobsByType returns every job of the given type ids, in any status
func (s *Store) ListJobsByType(ctx context.Context, typeIDs ...string) ([]*Job, error) {
	if len(typeIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE type_id IN (` + placeholders(len(typeIDs)) + `)
		ORDER BY reference_run ASC`

	args := make([]interface{}, len(typeIDs))
	for i, id := range typeIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by type")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs by type")
}

// CountJobsByType reports how many jobs of typeID exist
func (s *Store) CountJobsByType(ctx context.Context, typeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE type_id = ?`, typeID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s jobs", typeID)
	}
	return n, nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, what string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// DeleteJob removes a job and, through the foreign key, its results
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		err = errors.Wrap(err, "failed to delete job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	return nil
}

// CleanupFinishedJobs deletes finished jobs of the given types last updated before
// cutoff, together with their results. Returns the number of deleted jobs.
func (s *Store) CleanupFinishedJobs(ctx context.Context, typeIDs []string, cutoff time.Time) (int, error) {
	if len(typeIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup")
	}
	defer tx.Rollback()

	args := []interface{}{JobStatusOK, JobStatusError, formatTime(cutoff)}
	for _, id := range typeIDs {
		args = append(args, id)
	}
	where := `status IN (?, ?) AND updated_at < ? AND type_id IN (` + placeholders(len(typeIDs)) + `)`

	// Results first so cleanup doesn't depend on foreign_keys being enabled
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE job_id IN (SELECT id FROM jobs WHERE `+where+`)`, args...); err != nil {
		return 0, errors.Wrap(err, "failed to cleanup job results")
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}
	return int(rows), nil
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
