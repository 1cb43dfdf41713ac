package async

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmpulse/errors"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Store, *MemoryQueue) {
	t.Helper()
	_, store := newTestStore(t)
	registry := NewRegistry()
	mail := newTestType("crm.mail", nil)
	mail.kind = PseudoPeriodic
	require.NoError(t, registry.Register(newTestType("crm.batch", nil), mail))
	q := NewMemoryQueue()
	return NewDispatcher(registry, store, q, testLogger()), store, q
}

func TestDispatcherCreateAndStart(t *testing.T) {
	t.Log("🎮 TAS Bot queues a batch and pings the scheduler")
	ctx := context.Background()
	d, store, q := newTestDispatcher(t)

	job, err := d.CreateAndStart(ctx, NewJobRequest{
		TypeID: "crm.batch",
		Owner:  "alice",
		Data:   map[string]interface{}{"filter_id": 4, "op": "upper"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, q.StartedJobs())

	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusWait, loaded.Status)
	assert.JSONEq(t, `{"filter_id":4,"op":"upper"}`, string(loaded.Data))

	d.Refresh(ctx, job)
	assert.Equal(t, []string{job.ID}, q.RefreshedJobs())
}

func TestDispatcherCreateDoesNotSignal(t *testing.T) {
	ctx := context.Background()
	d, _, q := newTestDispatcher(t)

	_, err := d.Create(ctx, NewJobRequest{TypeID: "crm.batch", Owner: "alice", Data: json.RawMessage(`{"filter_id":1}`)})
	require.NoError(t, err)
	assert.Empty(t, q.StartedJobs(), "the sweep finds unsignalled jobs on its own")
}

func TestDispatcherRejectsUnknownType(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	_, err := d.Create(context.Background(), NewJobRequest{TypeID: "crm.unknown"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	jobs, err := store.ListJobs(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDispatcherLostSignalKeepsJob(t *testing.T) {
	ctx := context.Background()
	d, store, q := newTestDispatcher(t)
	q.Executor = func(context.Context, string) error { return errors.New("broker unreachable") }

	job, err := d.CreateAndStart(ctx, NewJobRequest{TypeID: "crm.batch", Owner: "alice", Data: []byte(`{}`)})
	require.NoError(t, err, "a lost hint never fails job creation")

	_, err = store.GetJob(ctx, job.ID)
	assert.NoError(t, err)
}

func TestEnsurePeriodicJobs(t *testing.T) {
	t.Log("⏰ Cronos makes sure every periodic kind has its permanent job")
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t)

	created, err := EnsurePeriodicJobs(ctx, d.registry, store)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "crm.mail", created[0].TypeID)
	assert.True(t, created[0].IsSystem())

	again, err := EnsurePeriodicJobs(ctx, d.registry, store)
	require.NoError(t, err)
	assert.Empty(t, again, "idempotent across restarts")

	n, err := store.CountJobsByType(ctx, "crm.mail")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEncodeData(t *testing.T) {
	raw, err := encodeData(nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(raw))

	raw, err = encodeData(struct {
		ID int `json:"id"`
	}{ID: 9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9}`, string(raw))

	_, err = encodeData(make(chan int))
	assert.Error(t, err)
}
