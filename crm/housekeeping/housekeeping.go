// Package housekeeping is the jobs-cleanup job kind: on a fixed schedule it
// deletes finished one-shot jobs past their retention, results included, and
// prunes the run history of the permanent jobs.
package housekeeping

import (
	"context"
	"time"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
	"github.com/teranos/crmpulse/pulse/schedule"
)

// TypeID is the registry id of the kind
const TypeID = "jobs-cleanup"

// JobType purges old finished jobs of every NotPeriodic kind in the registry.
// Periodic jobs are permanent rows and never purged.
type JobType struct {
	*async.FixedSchedule

	store     *async.Store
	runs      *schedule.ExecutionStore
	registry  *async.Registry
	retention time.Duration
	now       func() time.Time
}

// New creates the kind from the housekeeping config. runs may be nil when no
// run history is kept.
func New(store *async.Store, runs *schedule.ExecutionStore, registry *async.Registry, cfg am.HousekeepingConfig) (*JobType, error) {
	schedule, err := async.NewFixedSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &JobType{
		FixedSchedule: schedule,
		store:         store,
		runs:          runs,
		registry:      registry,
		retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:           time.Now,
	}, nil
}

// SetClock replaces time.Now for the retention cutoff
func (jt *JobType) SetClock(now func() time.Time) {
	jt.now = now
}

func (*JobType) ID() string                   { return TypeID }
func (*JobType) Periodic() async.PeriodicKind { return async.Periodic }

// Execute deletes the finished one-shot jobs updated before now - retention,
// then the runs started before the same cutoff
func (jt *JobType) Execute(ctx context.Context, job *async.Job) error {
	var oneShot []string
	for _, id := range jt.registry.IDs() {
		if t, ok := jt.registry.Get(id); ok && !t.Periodic().IsPeriodic() {
			oneShot = append(oneShot, id)
		}
	}

	cutoff := jt.now().Add(-jt.retention)
	n, err := jt.store.CleanupFinishedJobs(ctx, oneShot, cutoff)
	if err != nil {
		return err
	}

	days := int(jt.retention.Hours() / 24)
	log := logger.LoggerFromContext(ctx).Named("housekeeping")
	job.AddStat("%d finished job(s) older than %d day(s) have been deleted.", n, days)
	if n > 0 {
		log.Infow("Purged finished jobs",
			logger.FieldCount, n,
			"cutoff", cutoff.Format(time.RFC3339),
			"types", oneShot)
	}

	if jt.runs == nil {
		return nil
	}
	pruned, err := jt.runs.CleanupOldExecutions(ctx, cutoff)
	if err != nil {
		return err
	}
	job.AddStat("%d run(s) older than %d day(s) have been deleted.", pruned, days)
	if pruned > 0 {
		log.Infow("Pruned run history", logger.FieldCount, pruned)
	}
	return nil
}

var _ async.JobType = (*JobType)(nil)
