package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmpulse/errors"
	crmtest "github.com/teranos/crmpulse/internal/testing"
)

func TestContactFilterMatching(t *testing.T) {
	ctx := context.Background()
	db := crmtest.CreateTestDB(t)
	contacts := NewContactStore(db)
	filters := NewFilterStore(db)

	for _, c := range []*Contact{
		{Owner: "kirby", FirstName: "Kirby", LastName: "Star", City: "Dream Land"},
		{Owner: "kirby", FirstName: "Meta", LastName: "Knight", City: "Halberd"},
		{Owner: "kirby", FirstName: "Dedede", LastName: "King", City: "dream land"},
		{Owner: "tas", FirstName: "TAS", LastName: "Bot", City: "Dream Land"},
	} {
		require.NoError(t, contacts.Create(ctx, c))
	}

	all, err := contacts.List(ctx, "kirby", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	f := &Filter{Owner: "kirby", Name: "Dreamers", Field: "city", Value: "DREAM"}
	require.NoError(t, filters.Create(ctx, f))

	matched, err := contacts.List(ctx, "kirby", f)
	require.NoError(t, err)
	require.Len(t, matched, 2, "LIKE matches case-insensitively")
	assert.Equal(t, "Kirby", matched[0].FirstName)
	assert.Equal(t, "Dedede", matched[1].FirstName)

	everyone, err := contacts.List(ctx, "", f)
	require.NoError(t, err)
	assert.Len(t, everyone, 3, "empty owner spans all owners")
}

func TestFilterLifecycle(t *testing.T) {
	ctx := context.Background()
	filters := NewFilterStore(crmtest.CreateTestDB(t))

	err := filters.Create(ctx, &Filter{Name: "bad", Field: "password", Value: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))

	f := &Filter{Name: "Cities", Field: "city", Value: "Paris"}
	require.NoError(t, filters.Create(ctx, f))

	got, err := filters.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	require.NoError(t, filters.Delete(ctx, f.ID))
	_, err = filters.Get(ctx, f.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(filters.Delete(ctx, f.ID)))
}

func TestContactUpdateField(t *testing.T) {
	ctx := context.Background()
	contacts := NewContactStore(crmtest.CreateTestDB(t))

	c := &Contact{FirstName: "kirby", LastName: "star"}
	require.NoError(t, contacts.Create(ctx, c))
	require.NoError(t, contacts.UpdateField(ctx, c.ID, "first_name", "KIRBY"))

	got, err := contacts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "KIRBY", got.FirstName)
	assert.Equal(t, "KIRBY", got.Get("first_name"))

	assert.Error(t, contacts.UpdateField(ctx, c.ID, "id; DROP TABLE contacts", "x"))
	assert.True(t, errors.IsNotFoundError(contacts.UpdateField(ctx, 999, "city", "x")))
}

func TestContactFieldValidate(t *testing.T) {
	lastName, ok := LookupContactField("last_name")
	require.True(t, ok)

	assert.NoError(t, lastName.Validate("Star"))
	assert.EqualError(t, lastName.Validate("   "), "last_name cannot be empty.")

	long := make([]rune, 101)
	for i := range long {
		long[i] = 'a'
	}
	assert.EqualError(t, lastName.Validate(string(long)), "last_name cannot be longer than 100 characters.")

	city, _ := LookupContactField("city")
	assert.NoError(t, city.Validate(""), "optional fields may be empty")

	_, ok = LookupContactField("owner")
	assert.False(t, ok)
}

func TestLookupContactFieldAliases(t *testing.T) {
	for alias, column := range map[string]string{"name": "last_name", "first name": "first_name", "last name": "last_name"} {
		f, ok := LookupContactField(alias)
		require.True(t, ok, alias)
		assert.Equal(t, column, f.Name, alias)
	}
}

func TestEmailOutbox(t *testing.T) {
	ctx := context.Background()
	emails := NewEmailStore(crmtest.CreateTestDB(t))
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	earliest, err := emails.EarliestSendAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, earliest, "empty outbox has no send time")

	due := &Email{Recipient: "kirby@dreamland", Subject: "Hi", SendAt: now.Add(-time.Minute)}
	later := &Email{Recipient: "meta@halberd", Subject: "Later", SendAt: now.Add(time.Hour)}
	require.NoError(t, emails.Create(ctx, due))
	require.NoError(t, emails.Create(ctx, later))

	sendable, err := emails.ListSendable(ctx, now)
	require.NoError(t, err)
	require.Len(t, sendable, 1)
	assert.Equal(t, due.ID, sendable[0].ID)
	assert.Equal(t, EmailPending, sendable[0].Status)

	earliest, err = emails.EarliestSendAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, earliest)
	assert.True(t, earliest.Equal(due.SendAt))

	require.NoError(t, emails.MarkNotSent(ctx, due.ID, "mailbox full", now.Add(15*time.Minute)))
	sendable, err = emails.ListSendable(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, sendable, "not_sent waits for its retry time")

	sendable, err = emails.ListSendable(ctx, now.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, sendable, 1)
	assert.Equal(t, EmailNotSent, sendable[0].Status)
	assert.Equal(t, "mailbox full", sendable[0].SendingError)

	require.NoError(t, emails.MarkSent(ctx, due.ID, now.Add(15*time.Minute)))
	got, err := emails.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.Empty(t, got.SendingError)

	earliest, err = emails.EarliestSendAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, earliest)
	assert.True(t, earliest.Equal(later.SendAt), "sent emails leave the outbox")
}

func TestMailboxSync(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(crmtest.CreateTestDB(t))
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	inbox := &Mailbox{Name: "inbox", URL: "file:///tmp/inbox", Enabled: true}
	off := &Mailbox{Name: "archive", Enabled: false}
	require.NoError(t, mailboxes.Create(ctx, inbox))
	require.NoError(t, mailboxes.Create(ctx, off))
	assert.Equal(t, DefaultPollInterval, inbox.PollInterval)

	enabled, err := mailboxes.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, now, enabled[0].NextSync(now), "never synced means now")

	msg := &SyncedEmail{MailboxID: inbox.ID, MessageID: "<1@dreamland>", Sender: "kirby", ReceivedAt: now}
	saved, err := mailboxes.SaveMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = mailboxes.SaveMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, saved, "message ids are unique per mailbox")

	n, err := mailboxes.CountMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, mailboxes.MarkFailed(ctx, inbox.ID, now, "connection refused"))
	enabled, err = mailboxes.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, "connection refused", enabled[0].LastError)
	assert.Equal(t, now.Add(DefaultPollInterval), enabled[0].NextSync(now))

	require.NoError(t, mailboxes.MarkSynced(ctx, inbox.ID, now.Add(time.Minute)))
	enabled, err = mailboxes.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled[0].LastError)
}
