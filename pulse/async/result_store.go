package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/crmpulse/errors"
)

// ResultStore persists JobResult rows
type ResultStore struct {
	db *sql.DB
}

// NewResultStore creates a new job result store
func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Create inserts r and sets its ID. A second entity result for the same
// (job, entity) wraps errors.ErrConflict.
func (s *ResultStore) Create(ctx context.Context, r *JobResult) error {
	messages := r.Messages
	if messages == nil {
		messages = []string{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result messages")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, entity_type, entity_id, messages, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.JobID, r.EntityType, r.EntityID, string(messagesJSON), r.Failed, formatTime(r.CreatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			err = errors.Wrapf(errors.ErrConflict, "%s %s already has a result", r.EntityType, r.EntityID)
		} else {
			err = errors.Wrap(err, "failed to create job result")
		}
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", r.JobID))
	}

	if r.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to read job result id")
	}
	return nil
}

// ListForJob returns the results of a job in creation order
func (s *ResultStore) ListForJob(ctx context.Context, jobID string) ([]*JobResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, entity_type, entity_id, messages, failed, created_at
		FROM job_results
		WHERE job_id = ?
		ORDER BY id ASC`, jobID)
	if err != nil {
		err = errors.Wrap(err, "failed to list job results")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	defer rows.Close()

	var results []*JobResult
	for rows.Next() {
		var r JobResult
		var messages, createdAt string
		if err := rows.Scan(&r.ID, &r.JobID, &r.EntityType, &r.EntityID, &messages, &r.Failed, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan job result")
		}
		if err := json.Unmarshal([]byte(messages), &r.Messages); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal messages of result %d", r.ID)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job results")
	}
	return results, nil
}

// ProcessedEntities returns the ids of entityType records that already have a
// result for jobID. Resuming job kinds skip these.
func (s *ResultStore) ProcessedEntities(ctx context.Context, jobID, entityType string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM job_results WHERE job_id = ? AND entity_type = ?`,
		jobID, entityType)
	if err != nil {
		err = errors.Wrap(err, "failed to list processed entities")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan processed entity")
		}
		done[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating processed entities")
	}
	return done, nil
}

// ClearForJob deletes every result of a job and returns how many were removed
func (s *ResultStore) ClearForJob(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_results WHERE job_id = ?`, jobID)
	if err != nil {
		err = errors.Wrap(err, "failed to clear job results")
		return 0, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// ResultCounts summarises the results of one job
type ResultCounts struct {
	Total  int `json:"total"`
	Failed int `json:"failed"`
}

// CountForJob counts the results of a job, and how many of them are failures
func (s *ResultStore) CountForJob(ctx context.Context, jobID string) (ResultCounts, error) {
	var c ResultCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(failed), 0) FROM job_results WHERE job_id = ?`,
		jobID).Scan(&c.Total, &c.Failed)
	if err != nil {
		err = errors.Wrap(err, "failed to count job results")
		return c, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return c, nil
}
