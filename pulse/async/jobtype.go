package async

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/crmpulse/errors"
)

// PeriodicKind classifies how a job kind is rescheduled after it runs
type PeriodicKind int

const (
	// NotPeriodic jobs run once per WAIT; only an explicit re-arm runs them again
	NotPeriodic PeriodicKind = iota
	// Periodic jobs run on a fixed schedule computed from their last run
	Periodic
	// PseudoPeriodic jobs compute their next run from pending work
	PseudoPeriodic
)

func (k PeriodicKind) String() string {
	switch k {
	case NotPeriodic:
		return "NOT_PERIODIC"
	case Periodic:
		return "PERIODIC"
	case PseudoPeriodic:
		return "PSEUDO_PERIODIC"
	default:
		return "UNKNOWN"
	}
}

// IsPeriodic reports whether the kind is rescheduled through NextWakeup
func (k PeriodicKind) IsPeriodic() bool {
	return k == Periodic || k == PseudoPeriodic
}

// JobType is one executable kind of job and its scheduling policy.
// Implementations live in domain packages; the scheduler only routes by ID.
type JobType interface {
	// ID is the unique, stable type id stored on Job.TypeID
	ID() string

	// Periodic returns the rescheduling policy
	Periodic() PeriodicKind

	// Execute performs the work. It may be called more than once for the same job
	// (at-least-once), so it records progress as EntityJobResult rows and skips
	// items that already have one.
	//
	// Return a FatalJobError, or call job.Fail and return nil, when the whole run
	// cannot proceed. Per-item failures go on results and the run continues.
	Execute(ctx context.Context, job *Job) error

	// NextWakeup is pure: now means run immediately, a future time means back off,
	// nil means nothing to do until a refresh. Only called for periodic kinds.
	NextWakeup(job *Job, now time.Time) *time.Time
}

// OneShot can be embedded by NotPeriodic job types
type OneShot struct{}

func (OneShot) Periodic() PeriodicKind { return NotPeriodic }
func (OneShot) NextWakeup(job *Job, now time.Time) *time.Time { return nil }

// Backoff returns last_run + d when the job's last run ended in error.
// PseudoPeriodic kinds call it first in NextWakeup to avoid a hot error loop.
func Backoff(job *Job, d time.Duration) (*time.Time, bool) {
	if job.Status != JobStatusError || job.LastRun == nil {
		return nil, false
	}
	t := job.LastRun.Add(d)
	return &t, true
}

// FixedSchedule is the NextWakeup of a Periodic kind: the cron schedule applied to last_run.
// A job that never ran is due immediately.
type FixedSchedule struct {
	spec     string
	schedule cron.Schedule
}

// NewFixedSchedule parses a standard cron spec ("0 3 * * *", "@daily", "@every 1h")
func NewFixedSchedule(spec string) (*FixedSchedule, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", spec)
	}
	return &FixedSchedule{spec: spec, schedule: schedule}, nil
}

// Every returns a FixedSchedule with a constant period
func Every(d time.Duration) *FixedSchedule {
	return &FixedSchedule{spec: "@every " + d.String(), schedule: cron.Every(d)}
}

// String returns the cron spec
func (s *FixedSchedule) String() string { return s.spec }

// NextWakeup implements the Periodic policy
func (s *FixedSchedule) NextWakeup(job *Job, now time.Time) *time.Time {
	if job.LastRun == nil {
		return &now
	}
	next := s.schedule.Next(*job.LastRun)
	return &next
}

// NextWakeup returns the next time a periodic job needs attention, or nil for
// NotPeriodic kinds and periodic kinds with nothing to do
func NextWakeup(jt JobType, job *Job, now time.Time) *time.Time {
	if !jt.Periodic().IsPeriodic() {
		return nil
	}
	return jt.NextWakeup(job, now)
}

// IsDue reports whether job should be considered in a tick at now.
// WAIT jobs are due once reference_run has passed; periodic jobs in any status are
// due when NextWakeup is at or before now.
func IsDue(jt JobType, job *Job, now time.Time) bool {
	if job.Status == JobStatusWait && !job.ReferenceRun.After(now) {
		return true
	}
	if next := NextWakeup(jt, job, now); next != nil && !next.After(now) {
		return true
	}
	return false
}

