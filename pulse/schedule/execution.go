package schedule

import (
	"time"

	"github.com/teranos/crmpulse/pulse/async"
)

// Execution is one finished run of a job, kept as run history.
//
// A one-shot job usually has a single execution. A periodic job has one per
// wakeup, which is how `jobs runs` shows what a permanent job did yesterday:
// the job row itself only keeps the stats of its last run.
type Execution struct {
	ID         int64           `json:"id"`
	JobID      string          `json:"job_id"`
	TypeID     string          `json:"type_id"`
	Owner      string          `json:"owner,omitempty"`
	Status     async.JobStatus `json:"status"` // ok or error
	Error      string          `json:"error,omitempty"`
	Stats      []string        `json:"stats,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
}

// NewExecution captures the outcome carried by a job that just finished a run
func NewExecution(job *async.Job, startedAt time.Time, duration time.Duration) *Execution {
	return &Execution{
		JobID:      job.ID,
		TypeID:     job.TypeID,
		Owner:      job.Owner,
		Status:     job.Status,
		Error:      job.Error,
		Stats:      append([]string(nil), job.Stats...),
		StartedAt:  startedAt.UTC(),
		DurationMs: duration.Milliseconds(),
	}
}

// Duration returns the run time
func (e *Execution) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

// ExecutionSummary aggregates the run history of one job
type ExecutionSummary struct {
	Runs          int           `json:"runs"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastStartedAt *time.Time    `json:"last_started_at,omitempty"`
}

// AverageDuration is the mean run time, 0 without runs
func (s ExecutionSummary) AverageDuration() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Runs)
}
