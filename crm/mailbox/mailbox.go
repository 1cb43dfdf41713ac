// Package mailbox is the mailbox-sync job kind: it polls the enabled mailboxes
// and stores new messages in the CRM.
package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
)

// TypeID is the registry id of the kind
const TypeID = "mailbox-sync"

// RetryBackoff delays the next run after a run ended in ERROR
const RetryBackoff = 15 * time.Minute

// JobType synchronizes mailboxes whose poll interval has elapsed
type JobType struct {
	mailboxes *records.MailboxStore
	results   *async.ResultStore
	poller    Poller
	now       func() time.Time
	log       *zap.SugaredLogger
}

// New creates the kind
func New(db *sql.DB, results *async.ResultStore, poller Poller) *JobType {
	return &JobType{
		mailboxes: records.NewMailboxStore(db),
		results:   results,
		poller:    poller,
		now:       time.Now,
		log:       logger.Logger.Named("mailbox"),
	}
}

// SetClock replaces time.Now for due checks and sync timestamps
func (jt *JobType) SetClock(now func() time.Time) {
	jt.now = now
}

func (*JobType) ID() string                   { return TypeID }
func (*JobType) Periodic() async.PeriodicKind { return async.PseudoPeriodic }

// NextWakeup is the earliest next sync over the enabled mailboxes, clamped to
// now, or nil when no mailbox is enabled
func (jt *JobType) NextWakeup(job *async.Job, now time.Time) *time.Time {
	if at, ok := async.Backoff(job, RetryBackoff); ok {
		return at
	}
	mailboxes, err := jt.mailboxes.ListEnabled(context.Background())
	if err != nil {
		jt.log.Warnw("Failed to list mailboxes", logger.FieldError, err)
		return &now
	}
	var next *time.Time
	for _, mb := range mailboxes {
		at := mb.NextSync(now)
		if next == nil || at.Before(*next) {
			next = &at
		}
	}
	if next != nil && next.Before(now) {
		return &now
	}
	return next
}

// Execute polls every due mailbox. A mailbox that fails is recorded and the
// others still sync.
func (jt *JobType) Execute(ctx context.Context, job *async.Job) error {
	now := jt.now()
	mailboxes, err := jt.mailboxes.ListEnabled(ctx)
	if err != nil {
		return err
	}

	var synced, failed, fetched int
	for _, mb := range mailboxes {
		if mb.NextSync(now).After(now) {
			continue
		}
		n, err := jt.sync(ctx, job, mb, now)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := jt.recordFailure(ctx, job, mb, now, err); err != nil {
				return err
			}
			failed++
			continue
		}
		synced++
		fetched += n
	}

	job.AddStat("%d mailbox(es) have been synchronized.", synced)
	if fetched > 0 {
		job.AddStat("%d new message(s).", fetched)
	}
	if failed > 0 {
		job.AddStat("%d mailbox(es) could not be synchronized.", failed)
	}
	return nil
}

// sync fetches one mailbox and returns how many new messages it stored
func (jt *JobType) sync(ctx context.Context, job *async.Job, mb *records.Mailbox, now time.Time) (int, error) {
	// After a failed attempt nothing since the last success is known to be stored
	since := mb.LastSyncedAt
	if mb.LastError != "" {
		since = nil
	}
	msgs, err := jt.poller.Fetch(ctx, mb, since)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, m := range msgs {
		saved, err := jt.mailboxes.SaveMessage(ctx, &records.SyncedEmail{
			MailboxID:  mb.ID,
			MessageID:  m.MessageID,
			Sender:     m.Sender,
			Subject:    m.Subject,
			ReceivedAt: m.ReceivedAt,
		})
		if err != nil {
			return added, err
		}
		if saved {
			added++
		}
	}
	if err := jt.mailboxes.MarkSynced(ctx, mb.ID, now); err != nil {
		return added, err
	}
	if added > 0 {
		res := async.NewJobResult(job.ID, fmt.Sprintf("Mailbox %q: %d new message(s).", mb.Name, added))
		if err := jt.results.Create(ctx, res); err != nil {
			return added, err
		}
	}
	logger.LoggerFromContext(ctx).Named("mailbox").Debugw("Mailbox synchronized", "mailbox", mb.Name, "fetched", len(msgs), "new", added)
	return added, nil
}

// recordFailure keeps the per-mailbox error on the mailbox and on a failed
// result. Results of a periodic job accumulate, so it carries no entity reference.
func (jt *JobType) recordFailure(ctx context.Context, job *async.Job, mb *records.Mailbox, now time.Time, cause error) error {
	itemErr := &async.PerItemError{
		EntityType: "mailbox",
		EntityID:   fmt.Sprint(mb.ID),
		Message:    fmt.Sprintf("Mailbox %q could not be synchronized.", mb.Name),
	}
	logger.LoggerFromContext(ctx).Named("mailbox").Infow("Mailbox sync failed", "item", itemErr.Error(), logger.FieldError, cause)
	if err := jt.mailboxes.MarkFailed(ctx, mb.ID, now, cause.Error()); err != nil {
		return err
	}
	res := async.NewJobResult(job.ID, itemErr.Message)
	res.Failed = true
	return jt.results.Create(ctx, res)
}

var _ async.JobType = (*JobType)(nil)
