package async

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
)

// ResultRecorder writes the per-item results of one run and counts them.
// Batch-style job kinds use it to resume (Done) and to report (Summarize).
type ResultRecorder struct {
	job        *Job
	results    *ResultStore
	entityType string
	done       map[string]bool
	processed  int
	unchanged  int
	failed     int
	log        *zap.SugaredLogger
}

// NewResultRecorder loads the entities of entityType already holding a result for job
func NewResultRecorder(ctx context.Context, results *ResultStore, job *Job, entityType string) (*ResultRecorder, error) {
	done, err := results.ProcessedEntities(ctx, job.ID, entityType)
	if err != nil {
		return nil, err
	}
	return &ResultRecorder{
		job:        job,
		results:    results,
		entityType: entityType,
		done:       done,
		log:        logger.LoggerFromContext(ctx),
	}, nil
}

// Done reports whether the entity already has a result for this job
func (r *ResultRecorder) Done(entityID int64) bool {
	return r.done[strconv.FormatInt(entityID, 10)]
}

// AlreadyDone returns how many entities were processed by earlier runs
func (r *ResultRecorder) AlreadyDone() int {
	return len(r.done)
}

// Success records an entity this run modified
func (r *ResultRecorder) Success(ctx context.Context, entityID int64, messages ...string) error {
	res := NewEntityJobResult(r.job.ID, r.entityType, entityID, messages...)
	recorded, err := r.create(ctx, res)
	if err != nil || !recorded {
		return err
	}
	r.processed++
	return nil
}

// Unchanged records an entity that needed no change. It still gets a result so
// a resumed run skips it, but it does not count as modified.
func (r *ResultRecorder) Unchanged(ctx context.Context, entityID int64) error {
	res := NewEntityJobResult(r.job.ID, r.entityType, entityID, "Already up to date.")
	recorded, err := r.create(ctx, res)
	if err != nil || !recorded {
		return err
	}
	r.unchanged++
	return nil
}

// Failure records a PerItemError on the entity's result; the run goes on
func (r *ResultRecorder) Failure(ctx context.Context, entityID int64, message string) error {
	itemErr := &PerItemError{
		EntityType: r.entityType,
		EntityID:   strconv.FormatInt(entityID, 10),
		Message:    message,
	}
	recorded, err := r.create(ctx, NewItemErrorResult(r.job.ID, itemErr))
	if err != nil || !recorded {
		return err
	}
	r.log.Debugw("Item failed", "entity", itemErr.Error())
	r.failed++
	return nil
}

// create reports false when another run already recorded the entity
func (r *ResultRecorder) create(ctx context.Context, res *JobResult) (bool, error) {
	err := r.results.Create(ctx, res)
	if errors.Is(err, errors.ErrConflict) {
		r.done[res.EntityID] = true
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.done[res.EntityID] = true
	return true, nil
}

// Processed returns how many entities this run modified
func (r *ResultRecorder) Processed() int { return r.processed }

// UnchangedCount returns how many entities this run left as they were
func (r *ResultRecorder) UnchangedCount() int { return r.unchanged }

// Failed returns how many entities this run could not process
func (r *ResultRecorder) Failed() int { return r.failed }

// Summarize writes the run's stats lines onto the job, e.g.
// "3 contact(s) have been modified.", "2 contact(s) were already up to date."
// and "1 contact(s) could not be processed.". The last two only when non-zero.
func (r *ResultRecorder) Summarize(noun string) {
	r.job.AddStat("%d %s(s) have been modified.", r.processed, noun)
	if r.unchanged > 0 {
		r.job.AddStat("%d %s(s) were already up to date.", r.unchanged, noun)
	}
	if r.failed > 0 {
		r.job.AddStat("%d %s(s) could not be processed.", r.failed, noun)
	}
}
