package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/crmpulse/crm/records"
	crmtest "github.com/teranos/crmpulse/internal/testing"
	"github.com/teranos/crmpulse/pulse/async"
)

type fixture struct {
	db       *sql.DB
	store    *async.Store
	results  *async.ResultStore
	contacts *records.ContactStore
	filters  *records.FilterStore
	jt       *JobType
}

func newFixture(t *testing.T) *fixture {
	db := crmtest.CreateTestDB(t)
	results := async.NewResultStore(db)
	return &fixture{
		db:       db,
		store:    async.NewStore(db),
		results:  results,
		contacts: records.NewContactStore(db),
		filters:  records.NewFilterStore(db),
		jt:       New(db, results),
	}
}

func (f *fixture) createJob(t *testing.T, owner string, data Data) *async.Job {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	job, err := async.NewJob(TypeID, owner, raw)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) run(t *testing.T, job *async.Job) *async.Job {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) }
	require.NoError(t, async.RunJob(ctx, f.store, f.jt, job, now, zap.NewNop().Sugar()))
	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return loaded
}

func (f *fixture) addContacts(t *testing.T, owner string, n int, city string) []*records.Contact {
	t.Helper()
	var out []*records.Contact
	for i := 0; i < n; i++ {
		c := &records.Contact{Owner: owner, FirstName: fmt.Sprintf("kirby %d", i), LastName: "star", City: city}
		require.NoError(t, f.contacts.Create(context.Background(), c))
		out = append(out, c)
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func TestBatchProcessesEveryMatchingContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addContacts(t, "kirby", 100, "Dream Land")
	f.addContacts(t, "kirby", 5, "Halberd")
	f.addContacts(t, "meta", 3, "Dream Land")

	filter := &records.Filter{Owner: "kirby", Name: "Dreamers", Field: "city", Value: "dream"}
	require.NoError(t, f.filters.Create(ctx, filter))

	job := f.createJob(t, "kirby", Data{Entity: "contact", Field: "first_name", Op: OpTitle, FilterID: int64Ptr(filter.ID)})
	loaded := f.run(t, job)

	assert.Equal(t, async.JobStatusOK, loaded.Status)
	assert.Equal(t, []string{"100 contact(s) have been modified."}, loaded.Stats)

	counts, err := f.results.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, counts.Total)

	matched, err := f.contacts.List(ctx, "kirby", filter)
	require.NoError(t, err)
	for _, c := range matched {
		assert.Regexp(t, `^Kirby \d+$`, c.FirstName)
	}
	others, err := f.contacts.List(ctx, "meta", nil)
	require.NoError(t, err)
	assert.Equal(t, "kirby 0", others[0].FirstName, "other owners are untouched")

	t.Log("⭐ Kirby inhaled 100 lowercase names and spat out title case")
}

func TestBatchUpperCasesNames(t *testing.T) {
	t.Log("⭐ Kirby shouts every name of owner U, one start signal, one summary line")
	ctx := context.Background()
	f := newFixture(t)
	mine := f.addContacts(t, "U", 2, "Dream Land")
	theirs := f.addContacts(t, "V", 1, "Dream Land")

	registry := async.NewRegistry()
	require.NoError(t, registry.Register(f.jt))
	queue := async.NewMemoryQueue()
	dispatcher := async.NewDispatcher(registry, f.store, queue, zap.NewNop().Sugar())

	job, err := dispatcher.CreateAndStart(ctx, async.NewJobRequest{
		TypeID: TypeID,
		Owner:  "U",
		Data:   map[string]string{"field": "name", "op": "upper"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, queue.StartedJobs())
	assert.Equal(t, async.JobStatusWait, job.Status)

	loaded := f.run(t, job)
	assert.Equal(t, async.JobStatusOK, loaded.Status)
	assert.Empty(t, loaded.Error)
	assert.Equal(t, []string{"2 contact(s) have been modified."}, loaded.Stats)

	for _, c := range mine {
		got, err := f.contacts.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "STAR", got.LastName)
	}
	other, err := f.contacts.Get(ctx, theirs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "star", other.LastName, "only the owner's contacts are edited")
}

func TestBatchCountsOnlyModifiedContacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contacts := f.addContacts(t, "kirby", 3, "dream land")
	require.NoError(t, f.contacts.UpdateField(ctx, contacts[0].ID, "city", "DREAM LAND"))

	loaded := f.run(t, f.createJob(t, "kirby", Data{Field: "city", Op: OpUpper}))
	assert.Equal(t, async.JobStatusOK, loaded.Status, "entity defaults to contact")
	assert.Equal(t, []string{
		"2 contact(s) have been modified.",
		"1 contact(s) were already up to date.",
	}, loaded.Stats)

	counts, err := f.results.CountForJob(ctx, loaded.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total, "the unchanged contact still holds a result for resumption")
}

func TestBatchPerItemErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contacts := f.addContacts(t, "tas", 3, "")
	require.NoError(t, f.contacts.UpdateField(ctx, contacts[0].ID, "last_name", "  star "))
	require.NoError(t, f.contacts.UpdateField(ctx, contacts[1].ID, "last_name", "   "))

	job := f.createJob(t, "tas", Data{Entity: "contact", Field: "last_name", Op: OpTrim})
	loaded := f.run(t, job)

	assert.Equal(t, async.JobStatusOK, loaded.Status, "a rejected value never fails the job")
	assert.Equal(t, []string{
		"1 contact(s) have been modified.",
		"1 contact(s) were already up to date.",
		"1 contact(s) could not be processed.",
	}, loaded.Stats)

	results, err := f.results.ListForJob(ctx, job.ID)
	require.NoError(t, err)
	var failed []*async.JobResult
	for _, r := range results {
		if r.Failed {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, fmt.Sprint(contacts[1].ID), failed[0].EntityID)
	assert.Equal(t, []string{"last_name cannot be empty."}, failed[0].Messages)
}

func TestBatchDeletedFilter(t *testing.T) {
	ctx := context.Background()

	t.Run("deleted before the run", func(t *testing.T) {
		f := newFixture(t)
		f.addContacts(t, "kirby", 3, "Dream Land")
		filter := &records.Filter{Name: "Dreamers", Field: "city", Value: "Dream"}
		require.NoError(t, f.filters.Create(ctx, filter))
		job := f.createJob(t, "kirby", Data{Entity: "contact", Field: "city", Op: OpUpper, FilterID: int64Ptr(filter.ID)})
		require.NoError(t, f.filters.Delete(ctx, filter.ID))

		loaded := f.run(t, job)
		assert.Equal(t, async.JobStatusError, loaded.Status)
		assert.Equal(t, ErrFilterDeleted, loaded.Error)
	})

	t.Run("deleted mid-flight", func(t *testing.T) {
		f := newFixture(t)
		f.addContacts(t, "kirby", 5, "Dream Land")
		filter := &records.Filter{Name: "Dreamers", Field: "city", Value: "Dream"}
		require.NoError(t, f.filters.Create(ctx, filter))
		job := f.createJob(t, "kirby", Data{Entity: "contact", Field: "city", Op: OpUpper, FilterID: int64Ptr(filter.ID)})

		seen := 0
		f.jt.beforeItem = func(*records.Contact) {
			seen++
			if seen == 3 {
				require.NoError(t, f.filters.Delete(ctx, filter.ID))
			}
		}

		loaded := f.run(t, job)
		assert.Equal(t, async.JobStatusError, loaded.Status)
		assert.Equal(t, ErrFilterDeleted, loaded.Error, "the fixed sentence, not the internal one")

		counts, err := f.results.CountForJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, counts.Total, "work done before the deletion stays recorded")
	})
}

func TestBatchInvalidParameters(t *testing.T) {
	tests := []struct {
		name string
		data Data
		want string
	}{
		{"unknown entity", Data{Entity: "deal", Field: "city", Op: OpUpper}, ErrUnknownEntity},
		{"unknown field", Data{Entity: "contact", Field: "owner", Op: OpUpper}, ErrUnknownField},
		{"unknown op", Data{Entity: "contact", Field: "city", Op: "reverse"}, ErrUnknownOp},
		{"prefix without value", Data{Entity: "contact", Field: "city", Op: OpPrefix}, ErrMissingArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addContacts(t, "kirby", 1, "Dream Land")
			loaded := f.run(t, f.createJob(t, "kirby", tt.data))
			assert.Equal(t, async.JobStatusError, loaded.Status)
			assert.Equal(t, tt.want, loaded.Error)
		})
	}

	t.Run("undecodable data", func(t *testing.T) {
		f := newFixture(t)
		job, err := async.NewJob(TypeID, "kirby", json.RawMessage(`{"field": 3}`))
		require.NoError(t, err)
		require.NoError(t, f.store.CreateJob(context.Background(), job))

		loaded := f.run(t, job)
		assert.Equal(t, async.JobStatusError, loaded.Status)
		assert.Equal(t, ErrInvalidData, loaded.Error)
	})
}

func TestBatchResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contacts := f.addContacts(t, "kirby", 4, "")
	job := f.createJob(t, "kirby", Data{Entity: "contact", Field: "city", Op: OpPrefix, Value: "Planet "})

	// A previous run edited the first two contacts and died before finishing
	for _, c := range contacts[:2] {
		require.NoError(t, f.contacts.UpdateField(ctx, c.ID, "city", "Planet Popstar"))
		require.NoError(t, f.results.Create(ctx, async.NewEntityJobResult(job.ID, EntityContact, c.ID, "city: edited")))
	}

	loaded := f.run(t, job)
	require.Equal(t, async.JobStatusOK, loaded.Status)
	assert.Equal(t, []string{"2 contact(s) have been modified."}, loaded.Stats, "only the remaining contacts count for this run")

	counts, err := f.results.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total, "exactly one result per contact")

	first, err := f.contacts.Get(ctx, contacts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Planet Popstar", first.City, "done contacts are not edited twice")
	last, err := f.contacts.Get(ctx, contacts[3].ID)
	require.NoError(t, err)
	assert.Equal(t, "Planet ", last.City)

	t.Log("🎮 TAS Bot reloaded the savestate and skipped the frames already played")
}

func TestOpApply(t *testing.T) {
	tests := []struct {
		op   Op
		in   string
		arg  string
		want string
	}{
		{OpUpper, "dream land", "", "DREAM LAND"},
		{OpLower, "DREAM Land", "", "dream land"},
		{OpTitle, "mETA knight", "", "Meta Knight"},
		{OpTrim, "  kirby\t", "", "kirby"},
		{OpPrefix, "Popstar", "Planet ", "Planet Popstar"},
		{OpPrefix, "Planet Popstar", "Planet ", "Planet Popstar"},
		{OpSuffix, "kirby", "@dreamland", "kirby@dreamland"},
		{OpSuffix, "kirby@dreamland", "@dreamland", "kirby@dreamland"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.op, tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.Apply(tt.in, tt.arg))
		})
	}
	assert.False(t, Op("reverse").Valid())
	assert.True(t, OpSuffix.NeedsValue())
	assert.False(t, OpUpper.NeedsValue())
}
