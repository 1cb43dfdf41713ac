// Package async provides the persisted job model, job kinds and execution slots of pulse.
package async

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/crmpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusWait  JobStatus = "wait"  // waiting for admission, or running
	JobStatusOK    JobStatus = "ok"    // last run finished without a fatal error
	JobStatusError JobStatus = "error" // last run failed, see Job.Error
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusWait, JobStatusOK, JobStatusError:
		return true
	default:
		return false
	}
}

// Job is one persisted, schedulable unit of work.
//
// Invariants kept by the methods below:
//   - Error is non-empty iff Status is JobStatusError
//   - LastRun is nil iff the job never started executing
//
// Data is opaque to pulse; only the job's JobType decodes it.
type Job struct {
	ID           string          `json:"id"`
	TypeID       string          `json:"type_id"`
	Owner        string          `json:"owner,omitempty"` // "" for system-wide jobs
	Data         json.RawMessage `json:"data,omitempty"`
	Status       JobStatus       `json:"status"`
	Error        string          `json:"error,omitempty"`
	ReferenceRun time.Time       `json:"reference_run"`
	LastRun      *time.Time      `json:"last_run,omitempty"`
	Stats        []string        `json:"stats,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJob creates a WAIT job for typeID. owner may be empty for system-wide jobs.
func NewJob(typeID, owner string, data json.RawMessage) (*Job, error) {
	if typeID == "" {
		return nil, errors.New("typeID cannot be empty")
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if !json.Valid(data) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "job data for %s is not valid JSON", typeID)
	}

	now := time.Now().UTC()
	return &Job{
		ID:           uuid.NewString(),
		TypeID:       typeID,
		Owner:        owner,
		Data:         data,
		Status:       JobStatusWait,
		ReferenceRun: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsFinished reports whether the job is no longer waiting to run
func (j *Job) IsFinished() bool {
	return j.Status != JobStatusWait
}

// IsSystem reports whether the job belongs to no user
func (j *Job) IsSystem() bool {
	return j.Owner == ""
}

// Fail marks a fatal error from inside Execute. Business logic calls it and
// returns nil when it has already handled the failure (e.g. a referenced row was
// deleted); the scheduler keeps the ERROR status instead of overwriting it with OK.
func (j *Job) Fail(message string) {
	if message == "" {
		message = InternalErrorMessage
	}
	j.Status = JobStatusError
	j.Error = message
	j.UpdatedAt = time.Now().UTC()
}

// AddStat appends a human-readable summary line for the current run
func (j *Job) AddStat(format string, args ...interface{}) {
	j.Stats = append(j.Stats, fmt.Sprintf(format, args...))
}

// DecodeData unmarshals the job's data blob into v
func (j *Job) DecodeData(v interface{}) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		err = errors.Wrapf(err, "failed to decode data of %s job", j.TypeID)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	return nil
}

// begin records the start of an execution attempt at now.
// Status stays WAIT while running so a crashed run is picked up again by the sweep.
func (j *Job) begin(now time.Time) {
	now = now.UTC()
	j.LastRun = &now
	j.Status = JobStatusWait
	j.Error = ""
	j.Stats = nil
	j.UpdatedAt = now
}

// succeed marks the run OK unless Execute already called Fail
func (j *Job) succeed() {
	if j.Status == JobStatusError {
		return
	}
	j.Status = JobStatusOK
	j.Error = ""
	j.UpdatedAt = time.Now().UTC()
}

// rearm puts a finished job back to WAIT with a new reference run
func (j *Job) rearm(at time.Time) {
	j.Status = JobStatusWait
	j.Error = ""
	j.ReferenceRun = at.UTC()
	j.UpdatedAt = time.Now().UTC()
}
