package async

import (
	"context"
	"sync"
)

// SignalKind is the kind of a queue signal
type SignalKind string

const (
	// SignalStart means a new job is ready and admission should be evaluated now
	SignalStart SignalKind = "start"
	// SignalRefresh means a job's next wakeup may have moved earlier
	SignalRefresh SignalKind = "refresh"
)

// Signal is an ephemeral hint that the scheduler should look at a job soon.
// Signals carry only the job id and may be dropped; the scheduler's periodic
// sweep finds the same work without them.
type Signal struct {
	JobID string     `json:"job_id"`
	Kind  SignalKind `json:"kind"`
}

// Queue is the signaling channel between job creators and the scheduler.
//
// Start and Refresh are best-effort: an error means the hint was lost, never
// that the job was. Repeated signals for the same job coalesce until drained.
type Queue interface {
	Start(ctx context.Context, jobID string) error
	Refresh(ctx context.Context, jobID string) error

	// Drain returns and removes the pending signals in arrival order
	Drain() []Signal
	// Clear drops the pending signals
	Clear()
	// Wake receives a value whenever signals become pending
	Wake() <-chan struct{}
}

// SignalSet is a coalescing set of pending signals with a wake channel.
// Queue implementations embed it for their pending side.
type SignalSet struct {
	mu      sync.Mutex
	pending []Signal
	index   map[Signal]struct{}
	wake    chan struct{}
}

// NewSignalSet creates an empty signal set
func NewSignalSet() *SignalSet {
	return &SignalSet{
		index: make(map[Signal]struct{}),
		wake:  make(chan struct{}, 1),
	}
}

// Add records sig unless an identical signal is already pending.
// Returns false when it coalesced.
func (s *SignalSet) Add(sig Signal) bool {
	s.mu.Lock()
	if _, dup := s.index[sig]; dup {
		s.mu.Unlock()
		return false
	}
	s.index[sig] = struct{}{}
	s.pending = append(s.pending, sig)
	s.mu.Unlock()

	// Non-blocking: one pending wake is enough for any number of signals
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Drain returns and removes the pending signals
func (s *SignalSet) Drain() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pending
	s.pending = nil
	s.index = make(map[Signal]struct{})
	return out
}

// Clear drops the pending signals
func (s *SignalSet) Clear() {
	s.Drain()
}

// Pending returns a copy of the pending signals without consuming them
func (s *SignalSet) Pending() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Signal(nil), s.pending...)
}

// Wake receives a value whenever signals become pending
func (s *SignalSet) Wake() <-chan struct{} {
	return s.wake
}

// LocalQueue delivers signals inside one process, for a scheduler that runs
// next to the code creating jobs.
type LocalQueue struct {
	*SignalSet
}

// NewLocalQueue creates an in-process queue
func NewLocalQueue() *LocalQueue {
	return &LocalQueue{SignalSet: NewSignalSet()}
}

func (q *LocalQueue) Start(_ context.Context, jobID string) error {
	q.Add(Signal{JobID: jobID, Kind: SignalStart})
	return nil
}

func (q *LocalQueue) Refresh(_ context.Context, jobID string) error {
	q.Add(Signal{JobID: jobID, Kind: SignalRefresh})
	return nil
}

// MemoryQueue is the test queue: it records every start and refresh call for
// assertions instead of waking a scheduler. The call log keeps repeats; the
// pending side coalesces them like any other queue, so Drain returns each
// signal once.
//
// When Executor is set, Start runs it synchronously, so a test can execute a
// job through its JobType without the scheduler loop.
type MemoryQueue struct {
	*SignalSet

	Executor func(ctx context.Context, jobID string) error

	mu    sync.Mutex
	calls []Signal
}

// NewMemoryQueue creates an empty recorder
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{SignalSet: NewSignalSet()}
}

func (q *MemoryQueue) Start(ctx context.Context, jobID string) error {
	q.record(Signal{JobID: jobID, Kind: SignalStart})
	if q.Executor != nil {
		return q.Executor(ctx, jobID)
	}
	return nil
}

func (q *MemoryQueue) Refresh(_ context.Context, jobID string) error {
	q.record(Signal{JobID: jobID, Kind: SignalRefresh})
	return nil
}

func (q *MemoryQueue) record(sig Signal) {
	q.mu.Lock()
	q.calls = append(q.calls, sig)
	q.mu.Unlock()
	q.Add(sig)
}

// Drain returns the pending signals, coalesced, and resets the call log
func (q *MemoryQueue) Drain() []Signal {
	q.mu.Lock()
	q.calls = nil
	q.mu.Unlock()
	return q.SignalSet.Drain()
}

// Clear drops the pending signals and the call log
func (q *MemoryQueue) Clear() {
	q.Drain()
}

// StartedJobs returns the ids passed to Start since the last Drain or Clear,
// one entry per call
func (q *MemoryQueue) StartedJobs() []string {
	return q.ids(SignalStart)
}

// RefreshedJobs returns the ids passed to Refresh since the last Drain or
// Clear, one entry per call
func (q *MemoryQueue) RefreshedJobs() []string {
	return q.ids(SignalRefresh)
}

func (q *MemoryQueue) ids(kind SignalKind) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, sig := range q.calls {
		if sig.Kind == kind {
			ids = append(ids, sig.JobID)
		}
	}
	return ids
}

// RefreshJob signals that something job depends on changed. Components that
// mutate such state call it; the error is the lost hint, not a lost job.
func RefreshJob(ctx context.Context, q Queue, job *Job) error {
	return q.Refresh(ctx, job.ID)
}
