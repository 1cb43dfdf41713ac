package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/crmpulse/crm/mail"
	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/sym"
)

// OutboxCmd queues outgoing email for the send-pending job
var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: sym.Signal + " Queue outgoing email",
	Long: sym.Signal + ` outbox - Queue outgoing email

Queued emails are sent by the send-pending system job. Adding one refreshes
that job, so the daemon wakes up for it without waiting for its sweep.

Examples:
  crmpulse outbox add --owner ada --to bob@example.com --subject "Hello" --body "See you Monday"
  crmpulse outbox add --to bob@example.com --subject "Reminder" --at 2026-10-19T08:00:00Z`,
}

var outboxAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue one email",
	RunE:  runOutboxAdd,
}

var (
	outboxOwner   string
	outboxFrom    string
	outboxTo      string
	outboxSubject string
	outboxBody    string
	outboxAt      string
)

func init() {
	outboxAddCmd.Flags().StringVar(&outboxOwner, "owner", "", "Owning user")
	outboxAddCmd.Flags().StringVar(&outboxFrom, "from", "", "Sender (default: mail.sender)")
	outboxAddCmd.Flags().StringVar(&outboxTo, "to", "", "Recipient")
	outboxAddCmd.Flags().StringVar(&outboxSubject, "subject", "", "Subject")
	outboxAddCmd.Flags().StringVar(&outboxBody, "body", "", "Body")
	outboxAddCmd.Flags().StringVar(&outboxAt, "at", "", "Send time, RFC 3339 (default: now)")
	outboxAddCmd.MarkFlagRequired("to")

	OutboxCmd.AddCommand(outboxAddCmd)
}

func runOutboxAdd(cmd *cobra.Command, args []string) error {
	email := &records.Email{
		Owner:     outboxOwner,
		Sender:    outboxFrom,
		Recipient: outboxTo,
		Subject:   outboxSubject,
		Body:      outboxBody,
	}
	if outboxAt != "" {
		at, err := time.Parse(time.RFC3339, outboxAt)
		if err != nil {
			return errors.WithHint(errors.Wrapf(err, "invalid --at %q", outboxAt), "use e.g. 2026-10-19T08:00:00Z")
		}
		email.SendAt = at.UTC()
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := mail.NewOutbox(c.db, c.store, c.queue).Add(context.Background(), email); err != nil {
		return err
	}
	pterm.Success.Printf("%s Email #%d to %s queued for %s\n", sym.Signal, email.ID, email.Recipient, email.SendAt.Format(time.RFC3339))
	return nil
}
