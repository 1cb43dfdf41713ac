package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/errors"
	crmtest "github.com/teranos/crmpulse/internal/testing"
	"github.com/teranos/crmpulse/pulse/async"
)

// fakePoller serves canned messages per mailbox name
type fakePoller struct {
	msgs   map[string][]Message
	errs   map[string]error
	sinces map[string]*time.Time
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		msgs:   make(map[string][]Message),
		errs:   make(map[string]error),
		sinces: make(map[string]*time.Time),
	}
}

func (p *fakePoller) Fetch(_ context.Context, mb *records.Mailbox, since *time.Time) ([]Message, error) {
	p.sinces[mb.Name] = since
	if err := p.errs[mb.Name]; err != nil {
		return nil, err
	}
	return p.msgs[mb.Name], nil
}

type fixture struct {
	store     *async.Store
	mailboxes *records.MailboxStore
	results   *async.ResultStore
	poller    *fakePoller
	jt        *JobType
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	db := crmtest.CreateTestDB(t)
	f := &fixture{
		store:     async.NewStore(db),
		mailboxes: records.NewMailboxStore(db),
		results:   async.NewResultStore(db),
		poller:    newFakePoller(),
		now:       time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
	f.jt = New(db, f.results, f.poller)
	f.jt.SetClock(func() time.Time { return f.now })
	return f
}

// createJob saves the permanent sync job; results reference it
func (f *fixture) createJob(t *testing.T) *async.Job {
	t.Helper()
	job, err := async.NewJob(TypeID, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) addMailbox(t *testing.T, name string, lastSynced *time.Time) *records.Mailbox {
	t.Helper()
	mb := &records.Mailbox{Name: name, Enabled: true, PollInterval: 5 * time.Minute, LastSyncedAt: lastSynced}
	require.NoError(t, f.mailboxes.Create(context.Background(), mb))
	return mb
}

func TestNextWakeup(t *testing.T) {
	f := newFixture(t)
	job := &async.Job{Status: async.JobStatusOK}

	assert.Nil(t, f.jt.NextWakeup(job, f.now), "no enabled mailbox means nothing to do")

	recent := f.now.Add(-time.Minute)
	f.addMailbox(t, "recent", &recent)
	next := f.jt.NextWakeup(job, f.now)
	require.NotNil(t, next)
	assert.Equal(t, recent.Add(5*time.Minute), *next)

	older := f.now.Add(-3 * time.Minute)
	f.addMailbox(t, "older", &older)
	next = f.jt.NextWakeup(job, f.now)
	require.NotNil(t, next)
	assert.Equal(t, older.Add(5*time.Minute), *next, "the earliest mailbox wins")

	f.addMailbox(t, "new", nil)
	next = f.jt.NextWakeup(job, f.now)
	require.NotNil(t, next)
	assert.Equal(t, f.now, *next, "never synced means now")

	lastRun := f.now
	failed := &async.Job{Status: async.JobStatusError, LastRun: &lastRun}
	next = f.jt.NextWakeup(failed, f.now)
	require.NotNil(t, next)
	assert.Equal(t, f.now.Add(RetryBackoff), *next)
}

func TestNextWakeupIsPure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	recent := f.now.Add(-time.Minute)
	f.addMailbox(t, "recent", &recent)
	f.addMailbox(t, "new", nil)

	before, err := f.mailboxes.ListEnabled(ctx)
	require.NoError(t, err)

	lastRun := f.now.Add(-time.Minute)
	for _, job := range []*async.Job{
		{Status: async.JobStatusOK},
		{Status: async.JobStatusError, Error: "The mailbox store is unavailable.", LastRun: &lastRun},
	} {
		first := f.jt.NextWakeup(job, f.now)
		second := f.jt.NextWakeup(job, f.now)
		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.Equal(t, *first, *second, string(job.Status))
	}

	after, err := f.mailboxes.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "asking for the wake-up never touches the mailboxes")
	assert.Empty(t, f.poller.sinces, "nor polls them")
}

func TestExecuteSyncsDueMailboxes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	inbox := f.addMailbox(t, "inbox", nil)
	recent := f.now.Add(-time.Minute)
	f.addMailbox(t, "not-due", &recent)
	broken := f.addMailbox(t, "broken", nil)

	f.poller.msgs["inbox"] = []Message{
		{MessageID: "<1@dreamland>", Sender: "kirby@dreamland", Subject: "Cake", ReceivedAt: f.now},
		{MessageID: "<2@dreamland>", Sender: "dedede@castle", Subject: "Hammer", ReceivedAt: f.now},
		{MessageID: "<1@dreamland>", Sender: "kirby@dreamland", Subject: "Cake", ReceivedAt: f.now},
	}
	f.poller.errs["broken"] = errors.New("connection refused")

	job := f.createJob(t)
	require.NoError(t, f.jt.Execute(ctx, job), "a failing mailbox never fails the run")
	assert.Equal(t, []string{
		"1 mailbox(es) have been synchronized.",
		"2 new message(s).",
		"1 mailbox(es) could not be synchronized.",
	}, job.Stats)

	_, polled := f.poller.sinces["not-due"]
	assert.False(t, polled, "mailboxes inside their interval are skipped")

	n, err := f.mailboxes.CountMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "duplicates by message id are stored once")

	mailboxes, err := f.mailboxes.ListEnabled(ctx)
	require.NoError(t, err)
	for _, mb := range mailboxes {
		if mb.ID == broken.ID {
			assert.Equal(t, "connection refused", mb.LastError)
			require.NotNil(t, mb.LastSyncedAt)
			assert.Equal(t, f.now, *mb.LastSyncedAt)
		}
	}

	results, err := f.results.ListForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	counts, err := f.results.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)

	// Next round: the broken mailbox is fetched from scratch, inbox from its sync time
	f.now = f.now.Add(10 * time.Minute)
	delete(f.poller.errs, "broken")
	job.Stats = nil
	require.NoError(t, f.jt.Execute(ctx, job))
	assert.Nil(t, f.poller.sinces["broken"])
	require.NotNil(t, f.poller.sinces["inbox"])
	assert.Equal(t, f.now.Add(-10*time.Minute), *f.poller.sinces["inbox"])
	assert.Equal(t, []string{"3 mailbox(es) have been synchronized."}, job.Stats)

	n, err = f.mailboxes.CountMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "re-fetched messages are not duplicated")
}

func TestExecuteWithoutMailboxes(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t)
	require.NoError(t, f.jt.Execute(context.Background(), job))
	assert.Equal(t, []string{"0 mailbox(es) have been synchronized."}, job.Stats)
}

func TestDirPoller(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	write := func(name, content string, mod time.Time) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	base := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	write("a.eml", "Message-Id: <a@dreamland>\r\nFrom: Kirby <kirby@dreamland>\r\nSubject: Poyo\r\nDate: Sun, 18 Oct 2026 07:30:00 +0000\r\n\r\nhi\r\n", base)
	write("b.eml", "From: meta@halberd\r\nSubject: Duel\r\n\r\nen garde\r\n", base.Add(time.Hour))
	write("notes.txt", "not a message", base)

	mb := &records.Mailbox{Name: "drop", URL: "file://" + dir}
	msgs, err := DirPoller{}.Fetch(ctx, mb, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "<a@dreamland>", msgs[0].MessageID)
	assert.Equal(t, "kirby@dreamland", msgs[0].Sender, "display names are stripped")
	assert.Equal(t, time.Date(2026, 10, 18, 7, 30, 0, 0, time.UTC), msgs[0].ReceivedAt)

	assert.Equal(t, "b.eml", msgs[1].MessageID, "file name stands in for a missing Message-Id")
	assert.Equal(t, base.Add(time.Hour), msgs[1].ReceivedAt)

	since := base.Add(30 * time.Minute)
	msgs, err = DirPoller{}.Fetch(ctx, mb, &since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b.eml", msgs[0].MessageID)

	_, err = DirPoller{}.Fetch(ctx, &records.Mailbox{URL: "imap://mail.dreamland"}, nil)
	assert.Error(t, err)
	_, err = DirPoller{}.Fetch(ctx, &records.Mailbox{URL: "file://" + filepath.Join(dir, "missing")}, nil)
	assert.Error(t, err)
}
