package records

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/pulse/async"
)

// EmailStatus is the outbox state of an email
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailNotSent EmailStatus = "not_sent" // last attempt failed, retried at send_at
	EmailSent    EmailStatus = "sent"
)

// Email is one outbox message
type Email struct {
	ID           int64       `json:"id"`
	Owner        string      `json:"owner"`
	Sender       string      `json:"sender"`
	Recipient    string      `json:"recipient"`
	Subject      string      `json:"subject"`
	Body         string      `json:"body"`
	Status       EmailStatus `json:"status"`
	SendAt       time.Time   `json:"send_at"`
	SendingError string      `json:"sending_error,omitempty"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
}

// EmailStore persists the outbox
type EmailStore struct {
	db *sql.DB
}

// NewEmailStore creates an outbox store
func NewEmailStore(db *sql.DB) *EmailStore {
	return &EmailStore{db: db}
}

const emailColumns = "id, owner, sender, recipient, subject, body, status, send_at, sending_error, sent_at"

// Create queues e. A zero SendAt means as soon as possible.
func (s *EmailStore) Create(ctx context.Context, e *Email) error {
	if e.Status == "" {
		e.Status = EmailPending
	}
	if e.SendAt.IsZero() {
		e.SendAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO emails (owner, sender, recipient, subject, body, status, send_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Owner, e.Sender, e.Recipient, e.Subject, e.Body, string(e.Status), async.FormatTime(e.SendAt))
	if err != nil {
		return errors.Wrap(err, "failed to queue email")
	}
	e.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read email id")
}

// Get returns the email with id, or ErrNotFound
func (s *EmailStore) Get(ctx context.Context, id int64) (*Email, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+emailColumns+" FROM emails WHERE id = ?", id)
	e, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("email %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get email %d", id)
	}
	return e, nil
}

// ListSendable returns unsent emails whose send_at is at or before now, oldest first
func (s *EmailStore) ListSendable(ctx context.Context, now time.Time) ([]*Email, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE status IN ('pending', 'not_sent') AND send_at <= ?
		ORDER BY send_at, id`, async.FormatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sendable emails")
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan email")
		}
		emails = append(emails, e)
	}
	return emails, errors.Wrap(rows.Err(), "failed to iterate emails")
}

// EarliestSendAt returns the smallest send_at among unsent emails, nil when the outbox is empty
func (s *EmailStore) EarliestSendAt(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(send_at) FROM emails WHERE status IN ('pending', 'not_sent')",
	).Scan(&raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read earliest send time")
	}
	if !raw.Valid {
		return nil, nil
	}
	t, err := async.ParseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkSent records a delivered email
func (s *EmailStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE emails SET status = 'sent', sent_at = ?, sending_error = '' WHERE id = ?",
		async.FormatTime(at), id)
	return errors.Wrapf(err, "failed to mark email %d sent", id)
}

// MarkNotSent records a failed attempt and the time of the next one
func (s *EmailStore) MarkNotSent(ctx context.Context, id int64, sendingError string, retryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE emails SET status = 'not_sent', sending_error = ?, send_at = ? WHERE id = ?",
		sendingError, async.FormatTime(retryAt), id)
	return errors.Wrapf(err, "failed to mark email %d not sent", id)
}

func scanEmail(row scanner) (*Email, error) {
	var (
		e      Email
		status string
		sendAt string
		sentAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.Owner, &e.Sender, &e.Recipient, &e.Subject, &e.Body,
		&status, &sendAt, &e.SendingError, &sentAt)
	if err != nil {
		return nil, err
	}
	e.Status = EmailStatus(status)
	if e.SendAt, err = async.ParseTime(sendAt); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		t, err := async.ParseTime(sentAt.String)
		if err != nil {
			return nil, err
		}
		e.SentAt = &t
	}
	return &e, nil
}
