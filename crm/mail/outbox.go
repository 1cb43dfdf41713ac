package mail

import (
	"context"
	"database/sql"

	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
)

// Outbox queues emails and tells the scheduler the send-pending job has work
type Outbox struct {
	emails *records.EmailStore
	jobs   *async.Store
	queue  async.Queue
}

// NewOutbox creates an outbox writing to db and signaling through queue.
// A nil queue leaves the emails to the daemon's next sweep.
func NewOutbox(db *sql.DB, jobs *async.Store, queue async.Queue) *Outbox {
	return &Outbox{emails: records.NewEmailStore(db), jobs: jobs, queue: queue}
}

// Add stores e and refreshes the send-pending job. A missing job row is not an
// error: the daemon creates it at start and its first run drains the outbox.
// Once e is stored a lost refresh is only logged.
func (o *Outbox) Add(ctx context.Context, e *records.Email) error {
	if err := o.emails.Create(ctx, e); err != nil {
		return err
	}
	if o.queue == nil {
		return nil
	}
	jobs, err := o.jobs.ListJobsByType(ctx, TypeID)
	if err != nil {
		logger.Logger.Warnw("Outbox refresh skipped", logger.FieldError, err)
		return nil
	}
	for _, job := range jobs {
		if err := async.RefreshJob(ctx, o.queue, job); err != nil {
			logger.Logger.Warnw("Outbox refresh signal lost, the next sweep sends the email",
				logger.FieldJobID, job.ID,
				logger.FieldError, err)
		}
	}
	return nil
}
