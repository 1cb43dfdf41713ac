// Package crm registers the CRM job kinds with a pulse registry.
package crm

import (
	"database/sql"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/crm/batch"
	"github.com/teranos/crmpulse/crm/housekeeping"
	"github.com/teranos/crmpulse/crm/mail"
	"github.com/teranos/crmpulse/crm/mailbox"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
	"github.com/teranos/crmpulse/pulse/schedule"
)

// Deps are the collaborators of the job kinds
type Deps struct {
	DB     *sql.DB
	Store  *async.Store
	Config *am.Config

	// MailTransport defaults to SMTP when mail.smtp_addr is set, else to logging
	MailTransport mail.Transport
	// Poller defaults to mailbox.DirPoller
	Poller mailbox.Poller
	// History is the run history jobs-cleanup prunes, defaults to one on DB
	History *schedule.ExecutionStore
}

// Autodiscover registers batch-process, send-pending, mailbox-sync and
// jobs-cleanup. It stops at the first error and registers nothing on failure.
func Autodiscover(registry *async.Registry, deps Deps) error {
	if deps.DB == nil || deps.Store == nil || deps.Config == nil {
		return errors.New("crm autodiscover needs a database, a job store and a config")
	}
	cfg := deps.Config
	results := async.NewResultStore(deps.DB)

	transport := deps.MailTransport
	if transport == nil {
		if cfg.Mail.SMTPAddr != "" {
			transport = mail.NewSMTPTransport(cfg.Mail.SMTPAddr, cfg.Mail.SMTPUser, cfg.Mail.SMTPPassword)
		} else {
			transport = mail.LogTransport{Logger: logger.Logger.Named("mail")}
		}
	}
	poller := deps.Poller
	if poller == nil {
		poller = mailbox.DirPoller{}
	}

	runs := deps.History
	if runs == nil {
		runs = schedule.NewExecutionStore(deps.DB)
	}
	cleanup, err := housekeeping.New(deps.Store, runs, registry, cfg.Housekeeping)
	if err != nil {
		return errors.Wrap(err, "failed to create jobs-cleanup")
	}

	types := []async.JobType{
		batch.New(deps.DB, results),
		mail.New(deps.DB, results, transport, cfg.Mail),
		mailbox.New(deps.DB, results, poller),
		cleanup,
	}
	if err := registry.Register(types...); err != nil {
		return errors.Wrap(err, "failed to register crm job types")
	}
	return nil
}
