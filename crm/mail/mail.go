// Package mail is the send-pending job kind: it drains the CRM outbox.
//
// One system-wide job of this kind exists. It wakes up for the earliest email
// due, so components queuing an email only need to refresh it.
package mail

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
)

// TypeID is the registry id of the kind
const TypeID = "send-pending"

// EntityEmail is the entity type of delivered-email results
const EntityEmail = "email"

const (
	// RetryBackoff delays the next run after a run ended in ERROR
	RetryBackoff = 15 * time.Minute

	// RetryDelay delays the next attempt of an email the transport rejected
	RetryDelay = 15 * time.Minute
)

// ErrUnreachable is stored on Job.Error when the transport is down
const ErrUnreachable = "The mail server could not be reached."

// JobType sends outbox emails whose send time has come
type JobType struct {
	emails    *records.EmailStore
	results   *async.ResultStore
	transport Transport
	limiter   *rate.Limiter
	sender    string
	now       func() time.Time
	log       *zap.SugaredLogger
}

// New creates the kind. cfg.MaxPerMinute <= 0 disables throttling.
func New(db *sql.DB, results *async.ResultStore, transport Transport, cfg am.MailConfig) *JobType {
	return &JobType{
		emails:    records.NewEmailStore(db),
		results:   results,
		transport: transport,
		limiter:   newLimiter(cfg.MaxPerMinute),
		sender:    cfg.Sender,
		now:       time.Now,
		log:       logger.Logger.Named("mail"),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// SetClock replaces time.Now for send and retry timestamps
func (jt *JobType) SetClock(now func() time.Time) {
	jt.now = now
}

func (*JobType) ID() string                   { return TypeID }
func (*JobType) Periodic() async.PeriodicKind { return async.PseudoPeriodic }

// NextWakeup is the earliest send time in the outbox, clamped to now, or nil
// when the outbox is empty
func (jt *JobType) NextWakeup(job *async.Job, now time.Time) *time.Time {
	if at, ok := async.Backoff(job, RetryBackoff); ok {
		return at
	}
	earliest, err := jt.emails.EarliestSendAt(context.Background())
	if err != nil {
		// Run now; Execute surfaces the storage error on the job
		jt.log.Warnw("Failed to read outbox", logger.FieldError, err)
		return &now
	}
	if earliest == nil {
		return nil
	}
	if earliest.Before(now) {
		return &now
	}
	return earliest
}

// Execute sends every email due now. A rejected email is marked not_sent and
// retried after RetryDelay; an unreachable transport stops the run.
func (jt *JobType) Execute(ctx context.Context, job *async.Job) error {
	log := logger.LoggerFromContext(ctx).Named("mail")

	due, err := jt.emails.ListSendable(ctx, jt.now())
	if err != nil {
		return err
	}

	var sent, failed int
	for _, e := range due {
		if err := jt.limiter.Wait(ctx); err != nil {
			return err
		}

		err := jt.transport.Send(ctx, jt.message(e))
		switch {
		case err == nil:
			if err := jt.emails.MarkSent(ctx, e.ID, jt.now()); err != nil {
				return err
			}
			res := async.NewEntityJobResult(job.ID, EntityEmail, e.ID, fmt.Sprintf("Sent to %s.", e.Recipient))
			if err := jt.results.Create(ctx, res); err != nil && !errors.Is(err, errors.ErrConflict) {
				return err
			}
			sent++
		case errors.Is(err, ErrTransportUnavailable):
			jt.summarize(job, sent, failed)
			return async.FatalWrap(err, ErrUnreachable)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Infow("Email rejected", "email_id", e.ID, logger.FieldError, err)
			if err := jt.emails.MarkNotSent(ctx, e.ID, err.Error(), jt.now().Add(RetryDelay)); err != nil {
				return err
			}
			res := async.NewJobResult(job.ID, fmt.Sprintf("Email #%d to %s could not be sent: %s", e.ID, e.Recipient, err))
			res.Failed = true
			if err := jt.results.Create(ctx, res); err != nil {
				return err
			}
			failed++
		}
	}

	jt.summarize(job, sent, failed)
	return nil
}

func (jt *JobType) summarize(job *async.Job, sent, failed int) {
	job.AddStat("%d email(s) have been sent.", sent)
	if failed > 0 {
		job.AddStat("%d email(s) could not be sent.", failed)
	}
}

func (jt *JobType) message(e *records.Email) Message {
	from := e.Sender
	if from == "" {
		from = jt.sender
	}
	return Message{From: from, To: e.Recipient, Subject: e.Subject, Body: e.Body}
}

var _ async.JobType = (*JobType)(nil)
