package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// ExecutionObserver receives every run whose outcome was persisted
// (metrics, run history). job carries the outcome: Status, Error and Stats.
type ExecutionObserver interface {
	ObserveExecution(job *Job, startedAt time.Time, duration time.Duration)
}

// Observers fans one run out to several observers
type Observers []ExecutionObserver

func (o Observers) ObserveExecution(job *Job, startedAt time.Time, duration time.Duration) {
	for _, obs := range o {
		obs.ObserveExecution(job, startedAt, duration)
	}
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`            // Execution slots shared by all owners
	MaxJobsPerOwner int           `json:"max_jobs_per_owner"` // Concurrent jobs per owner; system jobs are exempt
	StopTimeout     time.Duration `json:"stop_timeout"`       // How long Stop waits for running jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         4,
		MaxJobsPerOwner: 1,
		StopTimeout:     30 * time.Second,
	}
}

// DispatchResult is what TryDispatch did with a job
type DispatchResult int

const (
	Dispatched     DispatchResult = iota // now executing in a slot
	AlreadyRunning                       // the job is executing; never started twice
	OwnerDeferred                        // owner at MaxJobsPerOwner, job stays WAIT
	NoFreeSlot                           // every slot busy, job stays WAIT
	PoolStopped                          // Stop was called
)

func (r DispatchResult) String() string {
	switch r {
	case Dispatched:
		return "dispatched"
	case AlreadyRunning:
		return "already_running"
	case OwnerDeferred:
		return "owner_deferred"
	case NoFreeSlot:
		return "no_free_slot"
	case PoolStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerPool runs admitted jobs in bounded execution slots.
//
// The running map (job id -> owner) is both the per-job execution lock and the
// source of per-owner admission counts, so counts never drift from reality.
type WorkerPool struct {
	store    *Store
	cfg      WorkerPoolConfig
	observer ExecutionObserver
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  map[string]string
	stopped  bool
	finished chan struct{}

	jobsProcessed int
	startTime     time.Time
	logger        pulseLogger
}

// NewWorkerPool creates a worker pool. Cancelling ctx interrupts running jobs.
func NewWorkerPool(ctx context.Context, store *Store, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxJobsPerOwner < 1 {
		cfg.MaxJobsPerOwner = 1
	}
	if log == nil {
		log = logger.Logger
	}
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		ctx:       workerCtx,
		cancel:    cancel,
		running:   make(map[string]string),
		finished:  make(chan struct{}, 1),
		startTime: time.Now(),
		logger:    pulseLogger{logger.AddPulseSymbol(log.Named("workers"))},
	}
}

// SetObserver sets the execution observer; nil disables it
func (wp *WorkerPool) SetObserver(o ExecutionObserver) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.observer = o
}

// SetClock replaces the time source (tests)
func (wp *WorkerPool) SetClock(now func() time.Time) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.now = now
}

// SetMaxJobsPerOwner changes the admission limit; running jobs are unaffected
func (wp *WorkerPool) SetMaxJobsPerOwner(n int) {
	if n < 1 {
		n = 1
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.cfg.MaxJobsPerOwner = n
}

// MaxJobsPerOwner returns the current admission limit
func (wp *WorkerPool) MaxJobsPerOwner() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.cfg.MaxJobsPerOwner
}

// JobsProcessed returns how many jobs were dispatched since the pool was created
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}

// Uptime returns how long the pool has existed
func (wp *WorkerPool) Uptime() time.Duration {
	return time.Since(wp.startTime)
}

// Workers returns the number of execution slots
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

// Running returns how many jobs are executing
func (wp *WorkerPool) Running() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.running)
}

// IsRunning reports whether jobID is executing
func (wp *WorkerPool) IsRunning(jobID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, ok := wp.running[jobID]
	return ok
}

// RunningForOwner counts the executing jobs of owner
func (wp *WorkerPool) RunningForOwner(owner string) int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.runningForOwnerLocked(owner)
}

func (wp *WorkerPool) runningForOwnerLocked(owner string) int {
	n := 0
	for _, o := range wp.running {
		if o == owner {
			n++
		}
	}
	return n
}

// Finished receives a value after a job finishes and frees its slot
func (wp *WorkerPool) Finished() <-chan struct{} {
	return wp.finished
}

// TryDispatch admits job and starts it in a free slot, or reports why not.
// The job must be the freshly loaded store row; the pool owns it from here on.
func (wp *WorkerPool) TryDispatch(jt JobType, job *Job) (DispatchResult, *AdmissionDeferred) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.stopped {
		return PoolStopped, nil
	}
	if _, ok := wp.running[job.ID]; ok {
		return AlreadyRunning, nil
	}
	if !job.IsSystem() {
		if n := wp.runningForOwnerLocked(job.Owner); n >= wp.cfg.MaxJobsPerOwner {
			return OwnerDeferred, &AdmissionDeferred{
				JobID:   job.ID,
				Owner:   job.Owner,
				Running: n,
				Limit:   wp.cfg.MaxJobsPerOwner,
			}
		}
	}
	if len(wp.running) >= wp.cfg.Workers {
		return NoFreeSlot, nil
	}

	wp.running[job.ID] = job.Owner
	wp.jobsProcessed++
	wp.wg.Add(1)
	go wp.work(jt, job)

	return Dispatched, nil
}

// work runs one job in its slot and releases the slot afterwards
func (wp *WorkerPool) work(jt JobType, job *Job) {
	defer wp.wg.Done()
	defer wp.release(job.ID)

	wp.mu.Lock()
	now, observer := wp.now, wp.observer
	wp.mu.Unlock()

	start, startedAt := time.Now(), now()
	err := RunJob(wp.ctx, wp.store, jt, job, now, wp.logger.SugaredLogger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			wp.logger.Closing("Job interrupted by shutdown, left WAIT for the next sweep",
				logger.FieldJobID, job.ID,
				logger.FieldJobType, job.TypeID)
			return
		}
		wp.logger.Errorw("Failed to persist job outcome",
			logger.FieldJobID, job.ID,
			logger.FieldJobType, job.TypeID,
			logger.FieldError, fmt.Sprintf("%+v", err))
		return
	}

	if observer != nil {
		observer.ObserveExecution(job, startedAt, time.Since(start))
	}
}

func (wp *WorkerPool) release(jobID string) {
	wp.mu.Lock()
	delete(wp.running, jobID)
	wp.mu.Unlock()

	select {
	case wp.finished <- struct{}{}:
	default:
	}
}

// Wait blocks until no job is executing
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop stops admitting jobs and waits up to StopTimeout for running ones.
// ❀ Closing: jobs still running after the timeout get their context cancelled;
// their rows stay WAIT and the next scheduler instance resumes them.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.stopped = true
	running := len(wp.running)
	wp.mu.Unlock()

	if running > 0 {
		wp.logger.Closing("Waiting for running jobs", logger.FieldCount, running, "timeout", wp.cfg.StopTimeout)
	}

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all jobs finished")
	case <-time.After(wp.cfg.StopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - interrupting remaining jobs", "timeout", wp.cfg.StopTimeout)
		wp.cancel()
		// Jobs that honour ctx return promptly; don't block shutdown on the rest
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	wp.cancel()
}

// RunJob executes one job through its JobType and persists the outcome.
// The scheduler's slots call it; tests call it directly to run a job synchronously.
//
// Before Execute the job is saved with last_run set and status WAIT, so a
// crash mid-run leaves a row the next sweep picks up. A FatalJobError sets ERROR
// with its message; any other error or panic becomes a SchedulerInternalError,
// is logged in full and sets ERROR with a generic sentence. Periodic kinds whose
// next wakeup has already passed are re-armed to WAIT.
//
// The returned error is about persistence or cancellation, never about the job's
// own failure, which lives in job.Status and job.Error.
func RunJob(ctx context.Context, store *Store, jt JobType, job *Job, now func() time.Time, log *zap.SugaredLogger) error {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Logger
	}
	// Execute logs through logger.LoggerFromContext and gets the same fields
	ctx = logger.WithJob(ctx, job.ID, job.TypeID, job.Owner)
	log = log.With(logger.FieldsFromContext(ctx)...)

	// Persisting is not cancelled by shutdown; only Execute is
	persistCtx := context.WithoutCancel(ctx)

	job.begin(now())
	if err := store.UpdateJob(persistCtx, job); err != nil {
		return errors.Wrap(err, "failed to mark job started")
	}

	execErr := safeExecute(ctx, jt, job)

	if execErr != nil && ctx.Err() != nil && errors.Is(execErr, ctx.Err()) {
		// Interrupted, not failed: keep WAIT so the run resumes later
		if err := store.UpdateJob(persistCtx, job); err != nil {
			return errors.Wrap(err, "failed to save interrupted job")
		}
		return errors.Wrap(context.Canceled, "job interrupted")
	}

	switch {
	case execErr == nil:
		job.succeed()
	default:
		job.Fail(jobErrorMessage(execErr))
		var fatal *FatalJobError
		if errors.As(execErr, &fatal) {
			log.Warnw("Job failed", logger.FieldError, fmt.Sprintf("%+v", execErr))
		} else {
			internal := &SchedulerInternalError{JobID: job.ID, TypeID: job.TypeID, Cause: execErr}
			var recovered *panicError
			if errors.As(execErr, &recovered) {
				internal.Panic = recovered.value
			}
			log.Errorw("Job raised an unexpected error",
				logger.FieldError, fmt.Sprintf("%+v", errors.WithStack(internal)))
		}
	}

	if jt.Periodic().IsPeriodic() && job.Status == JobStatusOK {
		t := now()
		if next := jt.NextWakeup(job, t); next != nil && !next.After(t) {
			job.rearm(t)
		}
	}

	if err := store.UpdateJob(persistCtx, job); err != nil {
		return errors.Wrap(err, "failed to persist job outcome")
	}

	log.Debugw("Job finished",
		logger.FieldStatus, job.Status,
		"stats", job.Stats)
	return nil
}

// panicError carries a value recovered from a panicking Execute
type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.value, p.stack)
}

// safeExecute calls Execute and turns a panic into an error
func safeExecute(ctx context.Context, jt JobType, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return jt.Execute(ctx, job)
}
