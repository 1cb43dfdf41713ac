package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/crmpulse/db"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
)

// ExecutionStore handles persistence of job run history.
// It is an async.ExecutionObserver: attach it with Scheduler.SetHistory.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `id, job_id, type_id, owner, status, error, stats, started_at, duration_ms`

// CreateExecution inserts exec and sets its ID
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	stats := exec.Stats
	if stats == nil {
		stats = []string{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "failed to marshal execution stats")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (job_id, type_id, owner, status, error, stats, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.JobID, exec.TypeID, exec.Owner, string(exec.Status), exec.Error,
		string(statsJSON), async.FormatTime(exec.StartedAt), exec.DurationMs)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution for job %s", exec.JobID)
	}
	exec.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read execution id")
}

// ObserveExecution records the run. A failed insert is logged, never
// propagated: the job outcome is already persisted.
func (s *ExecutionStore) ObserveExecution(job *async.Job, startedAt time.Time, duration time.Duration) {
	exec := NewExecution(job, startedAt, duration)
	err := s.CreateExecution(context.Background(), exec)
	switch {
	case err == nil:
	case db.IsDatabaseClosed(err):
		logger.Logger.Debugw("Job run not recorded, database closed", logger.FieldJobID, job.ID)
	default:
		logger.Logger.Warnw("Failed to record job run",
			logger.FieldJobID, job.ID,
			logger.FieldJobType, job.TypeID,
			logger.FieldError, err)
	}
}

// ListExecutions returns the runs of jobID, newest first
func (s *ExecutionStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM job_runs
		WHERE job_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions of job %s", jobID)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}

// Summarize aggregates every run of jobID
func (s *ExecutionStore) Summarize(ctx context.Context, jobID string) (ExecutionSummary, error) {
	var summary ExecutionSummary
	var totalMs int64
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'error'), 0),
		       COALESCE(SUM(duration_ms), 0),
		       MAX(started_at)
		FROM job_runs
		WHERE job_id = ?`, jobID).Scan(&summary.Runs, &summary.Failures, &totalMs, &last)
	if err != nil {
		return summary, errors.Wrapf(err, "failed to summarize executions of job %s", jobID)
	}

	summary.TotalDuration = time.Duration(totalMs) * time.Millisecond
	if last.Valid {
		t, err := async.ParseTime(last.String)
		if err != nil {
			return summary, err
		}
		summary.LastStartedAt = &t
	}
	return summary, nil
}

// CleanupOldExecutions deletes runs started before cutoff and returns how many
// went. Runs of deleted jobs already went with them (ON DELETE CASCADE).
func (s *ExecutionStore) CleanupOldExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE started_at < ?`, async.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

func scanExecution(rows *sql.Rows) (*Execution, error) {
	var exec Execution
	var status, stats, startedAt string
	if err := rows.Scan(&exec.ID, &exec.JobID, &exec.TypeID, &exec.Owner, &status,
		&exec.Error, &stats, &startedAt, &exec.DurationMs); err != nil {
		return nil, errors.Wrap(err, "failed to scan execution")
	}
	exec.Status = async.JobStatus(status)

	if err := json.Unmarshal([]byte(stats), &exec.Stats); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal stats of execution %d", exec.ID)
	}
	t, err := async.ParseTime(startedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid started_at on execution %d", exec.ID)
	}
	exec.StartedAt = t
	return &exec, nil
}

var _ async.ExecutionObserver = (*ExecutionStore)(nil)
