package records

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/pulse/async"
)

// DefaultPollInterval applies to mailboxes created without one
const DefaultPollInterval = 5 * time.Minute

// Mailbox is an external inbox synchronized into the CRM
type Mailbox struct {
	ID           int64         `json:"id"`
	Owner        string        `json:"owner"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Enabled      bool          `json:"enabled"`
	PollInterval time.Duration `json:"poll_interval"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"` // last attempt, successful or not
	LastError    string        `json:"last_error,omitempty"`
}

// NextSync returns when the mailbox should be polled again; never synced means now
func (m *Mailbox) NextSync(now time.Time) time.Time {
	if m.LastSyncedAt == nil {
		return now
	}
	return m.LastSyncedAt.Add(m.PollInterval)
}

// SyncedEmail is one message fetched from a mailbox
type SyncedEmail struct {
	ID         int64     `json:"id"`
	MailboxID  int64     `json:"mailbox_id"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// MailboxStore persists mailboxes and their synchronized messages
type MailboxStore struct {
	db *sql.DB
}

// NewMailboxStore creates a mailbox store
func NewMailboxStore(db *sql.DB) *MailboxStore {
	return &MailboxStore{db: db}
}

// Create inserts m and sets its ID
func (s *MailboxStore) Create(ctx context.Context, m *Mailbox) error {
	if m.PollInterval <= 0 {
		m.PollInterval = DefaultPollInterval
	}
	var lastSynced interface{}
	if m.LastSyncedAt != nil {
		lastSynced = async.FormatTime(*m.LastSyncedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (owner, name, url, enabled, poll_interval_seconds, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Owner, m.Name, m.URL, m.Enabled, int64(m.PollInterval/time.Second), lastSynced)
	if err != nil {
		return errors.Wrap(err, "failed to create mailbox")
	}
	m.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read mailbox id")
}

// ListEnabled returns the enabled mailboxes ordered by id
func (s *MailboxStore) ListEnabled(ctx context.Context) ([]*Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, url, enabled, poll_interval_seconds, last_synced_at, last_error
		FROM mailboxes WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list mailboxes")
	}
	defer rows.Close()

	var mailboxes []*Mailbox
	for rows.Next() {
		var (
			m          Mailbox
			seconds    int64
			lastSynced sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Owner, &m.Name, &m.URL, &m.Enabled, &seconds, &lastSynced, &m.LastError); err != nil {
			return nil, errors.Wrap(err, "failed to scan mailbox")
		}
		m.PollInterval = time.Duration(seconds) * time.Second
		if lastSynced.Valid {
			t, err := async.ParseTime(lastSynced.String)
			if err != nil {
				return nil, err
			}
			m.LastSyncedAt = &t
		}
		mailboxes = append(mailboxes, &m)
	}
	return mailboxes, errors.Wrap(rows.Err(), "failed to iterate mailboxes")
}

// MarkSynced records a successful poll
func (s *MailboxStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE mailboxes SET last_synced_at = ?, last_error = '' WHERE id = ?",
		async.FormatTime(at), id)
	return errors.Wrapf(err, "failed to mark mailbox %d synced", id)
}

// MarkFailed records a failed poll. The attempt time still moves forward so a
// broken mailbox waits a full interval before the next try.
func (s *MailboxStore) MarkFailed(ctx context.Context, id int64, at time.Time, message string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE mailboxes SET last_synced_at = ?, last_error = ? WHERE id = ?",
		async.FormatTime(at), message, id)
	return errors.Wrapf(err, "failed to mark mailbox %d failed", id)
}

// SaveMessage stores a fetched message and reports false when the mailbox
// already holds one with the same message id
func (s *MailboxStore) SaveMessage(ctx context.Context, msg *SyncedEmail) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO synced_emails (mailbox_id, message_id, sender, subject, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.MailboxID, msg.MessageID, msg.Sender, msg.Subject, async.FormatTime(msg.ReceivedAt))
	if err != nil {
		return false, errors.Wrapf(err, "failed to save message %s", msg.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n == 1, nil
}

// CountMessages returns how many messages were synchronized from a mailbox
func (s *MailboxStore) CountMessages(ctx context.Context, mailboxID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM synced_emails WHERE mailbox_id = ?", mailboxID).Scan(&n)
	return n, errors.Wrapf(err, "failed to count messages of mailbox %d", mailboxID)
}
