package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmpulse/errors"
)

func TestSignalSetCoalesces(t *testing.T) {
	s := NewSignalSet()

	assert.True(t, s.Add(Signal{JobID: "a", Kind: SignalStart}))
	assert.False(t, s.Add(Signal{JobID: "a", Kind: SignalStart}), "duplicate start coalesces")
	assert.True(t, s.Add(Signal{JobID: "a", Kind: SignalRefresh}), "a refresh is a different signal")
	assert.True(t, s.Add(Signal{JobID: "b", Kind: SignalStart}))

	select {
	case <-s.Wake():
	default:
		t.Fatal("pending signals must wake the scheduler")
	}
	select {
	case <-s.Wake():
		t.Fatal("one wake covers any number of signals")
	default:
	}

	assert.Len(t, s.Pending(), 3)
	drained := s.Drain()
	assert.Equal(t, []Signal{
		{JobID: "a", Kind: SignalStart},
		{JobID: "a", Kind: SignalRefresh},
		{JobID: "b", Kind: SignalStart},
	}, drained)
	assert.Empty(t, s.Drain())

	assert.True(t, s.Add(Signal{JobID: "a", Kind: SignalStart}), "after a drain the same signal is new again")
	s.Clear()
	assert.Empty(t, s.Pending())
}

func TestLocalQueue(t *testing.T) {
	ctx := context.Background()
	var q Queue = NewLocalQueue()

	require.NoError(t, q.Start(ctx, "a"))
	require.NoError(t, q.Refresh(ctx, "b"))

	<-q.Wake()
	assert.Equal(t, []Signal{{JobID: "a", Kind: SignalStart}, {JobID: "b", Kind: SignalRefresh}}, q.Drain())
}

func TestMemoryQueueRecords(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Start(ctx, "a"))
	require.NoError(t, q.Start(ctx, "a"))
	require.NoError(t, RefreshJob(ctx, q, &Job{ID: "b"}))

	assert.Equal(t, []string{"a", "a"}, q.StartedJobs(), "every call is recorded")
	assert.Equal(t, []string{"b"}, q.RefreshedJobs())
	assert.Len(t, q.Pending(), 2, "the pending side still coalesces")

	assert.Equal(t, []Signal{{JobID: "a", Kind: SignalStart}, {JobID: "b", Kind: SignalRefresh}}, q.Drain())
	assert.Empty(t, q.StartedJobs())

	require.NoError(t, q.Refresh(ctx, "b"))
	q.Clear()
	assert.Empty(t, q.StartedJobs())
	assert.Empty(t, q.RefreshedJobs())
}

func TestMemoryQueueExecutor(t *testing.T) {
	t.Log("⭐ Kirby runs a started job right away, no scheduler loop needed")
	ctx := context.Background()
	_, store := newTestStore(t)
	jt := newTestType("crm.batch", func(ctx context.Context, job *Job) error {
		job.AddStat("done")
		return nil
	})
	job := createJob(t, store, jt.ID(), "alice")

	q := NewMemoryQueue()
	q.Executor = func(ctx context.Context, jobID string) error {
		j, err := store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return RunJob(ctx, store, jt, j, nil, testLogger())
	}

	require.NoError(t, q.Start(ctx, job.ID))
	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusOK, loaded.Status)
	assert.Equal(t, []string{"done"}, loaded.Stats)

	q.Executor = func(context.Context, string) error { return errors.New("broker down") }
	assert.Error(t, q.Start(ctx, job.ID))
}
