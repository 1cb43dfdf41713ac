// Package schedule runs the scheduler control loop: it finds due jobs, hands
// them to the worker pool's execution slots and sleeps until the next event.
//
// Correctness rests on the full sweep of the job table; queue signals and
// computed wakeups only make the loop react sooner.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/db"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
	"github.com/teranos/crmpulse/sym"
)

// Config contains configuration for the scheduler loop
type Config struct {
	PollInterval time.Duration // Fallback full-sweep interval (default: 60 seconds)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 60 * time.Second,
	}
}

// minSleep keeps a wakeup computed a hair in the past from spinning the loop
const minSleep = 10 * time.Millisecond

// TickReport is what one tick did
type TickReport struct {
	Considered     int
	Dispatched     []string
	Deferred       []async.AdmissionDeferred
	AlreadyRunning []string
	NoSlot         []string
	UnknownType    []string
	// NextWakeup is the earliest future wakeup among the periodic jobs seen
	NextWakeup *time.Time
}

// Waiting reports whether due jobs were left WAIT for lack of a slot
func (r *TickReport) Waiting() bool {
	return len(r.Deferred) > 0 || len(r.NoSlot) > 0
}

func (r *TickReport) noteWakeup(t time.Time) {
	if r.NextWakeup == nil || t.Before(*r.NextWakeup) {
		r.NextWakeup = &t
	}
}

// Stats is a snapshot of the scheduler state
type Stats struct {
	LastTickAt      time.Time     `json:"last_tick_at"`
	TicksSinceStart int64         `json:"ticks_since_start"`
	PollInterval    time.Duration `json:"poll_interval"`
	NextWakeup      *time.Time    `json:"next_wakeup,omitempty"`
	Running         int           `json:"running"`
	JobsProcessed   int           `json:"jobs_processed"`
}

// Scheduler is the single control loop deciding when each job runs
type Scheduler struct {
	registry *async.Registry
	store    *async.Store
	pool     *async.WorkerPool
	queue    async.Queue
	metrics  *Metrics
	history  *ExecutionStore
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	// tickMu serializes ticks: a job not running when a tick checks it cannot
	// start before that tick dispatches it
	tickMu sync.Mutex

	mu              sync.Mutex
	now             func() time.Time
	lastTickAt      time.Time
	ticksSinceStart int64
	nextWakeup      *time.Time
	unknownTypes    map[string]bool
	kick            chan struct{}
	lastActiveWork  int
}

// New creates a scheduler. queue may be nil, leaving the sweep as the only trigger.
func New(ctx context.Context, registry *async.Registry, store *async.Store, pool *async.WorkerPool, queue async.Queue, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if log == nil {
		log = logger.Logger
	}
	schedCtx, cancel := context.WithCancel(ctx)
	log = log.Named("scheduler")

	return &Scheduler{
		registry:     registry,
		store:        store,
		pool:         pool,
		queue:        queue,
		interval:     cfg.PollInterval,
		ctx:          schedCtx,
		cancel:       cancel,
		logger:       log,
		pulseLog:     logger.AddPulseSymbol(log),
		now:          time.Now,
		unknownTypes: make(map[string]bool),
		kick:         make(chan struct{}, 1),
	}
}

// SetMetrics attaches metrics to the scheduler and its worker pool
func (s *Scheduler) SetMetrics(m *Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
	s.updateObservers()
}

// SetHistory records every finished run of the pool in h
func (s *Scheduler) SetHistory(h *ExecutionStore) {
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
	s.updateObservers()
}

func (s *Scheduler) updateObservers() {
	s.mu.Lock()
	var observers async.Observers
	if s.metrics != nil {
		observers = append(observers, s.metrics)
	}
	if s.history != nil {
		observers = append(observers, s.history)
	}
	s.mu.Unlock()

	if len(observers) == 0 {
		s.pool.SetObserver(nil)
		return
	}
	s.pool.SetObserver(observers)
}

// SetClock replaces the time source of the scheduler and its pool (tests)
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	s.pool.SetClock(now)
}

// SetMaxJobsPerOwner changes the admission limit of the running scheduler
func (s *Scheduler) SetMaxJobsPerOwner(n int) {
	s.pool.SetMaxJobsPerOwner(n)
	s.pulseLog.Infow("Admission limit changed", "max_jobs_per_owner", s.pool.MaxJobsPerOwner())
	// A higher limit may admit jobs deferred by the old one
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *Scheduler) metricsOrNil() *Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.pulseLog.Infow("Pulse scheduler started",
		"poll_interval", s.interval,
		"workers", s.pool.Workers(),
		"max_jobs_per_owner", s.pool.MaxJobsPerOwner())
}

// Stop ends the loop, then stops the worker pool (graceful, see WorkerPool.Stop)
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pool.Stop()
	s.pulseLog.Infow("Pulse scheduler stopped")
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	var wake <-chan struct{}
	if s.queue != nil {
		wake = s.queue.Wake()
	}

	// Sweep right away: this is how a new instance resumes a crashed one's work
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-timer.C:
			s.sweepAndLog()
			timer.Reset(s.sleepDuration())

		case <-wake:
			sigs := s.queue.Drain()
			if len(sigs) == 0 {
				continue
			}
			if _, err := s.TickSignals(s.ctx, sigs); err != nil {
				s.pulseLog.Warnw("Pulse signal tick error", logger.FieldError, err)
			}
			timer.Reset(s.sleepDuration())

		case <-s.pool.Finished():
			// Frees a slot for deferred jobs and may have moved a periodic job's wakeup
			s.sweepAndLog()
			timer.Reset(s.sleepDuration())

		case <-s.kick:
			s.sweepAndLog()
			timer.Reset(s.sleepDuration())
		}
	}
}

func (s *Scheduler) sweepAndLog() {
	report, err := s.Tick(s.ctx)
	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		return
	case db.IsDatabaseClosed(err):
		// Shutdown closed the database under the loop; the next sweep belongs to the next instance
		s.pulseLog.Debugw("Pulse tick skipped, database closed", "tick", s.Stats().TicksSinceStart)
		return
	default:
		s.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", s.Stats().TicksSinceStart)
		return
	}
	s.logActivity(report)
}

// sleepDuration is min(poll interval, time until the earliest known wakeup)
func (s *Scheduler) sleepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.interval
	if s.nextWakeup != nil {
		if until := s.nextWakeup.Sub(s.now()); until < d {
			d = until
		}
	}
	if d < minSleep {
		d = minSleep
	}
	return d
}

// Tick runs one full sweep: every WAIT job whose reference_run has passed and
// every periodic job whose next wakeup has come is offered to the worker pool.
func (s *Scheduler) Tick(ctx context.Context) (*TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.beginTick()
	report := &TickReport{}

	waiting, err := s.store.ListWaitingJobs(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list waiting jobs")
	}

	var periodicIDs []string
	for _, jt := range s.registry.PeriodicTypes() {
		periodicIDs = append(periodicIDs, jt.ID())
	}
	periodic, err := s.store.ListJobsByType(ctx, periodicIDs...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list periodic jobs")
	}

	seen := make(map[string]bool, len(waiting)+len(periodic))
	for _, job := range append(waiting, periodic...) {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true

		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.consider(ctx, job, now, report)
	}

	s.endTick(report, true)
	return report, nil
}

// TickSignals looks only at the signaled jobs. Start and refresh are handled
// alike: the job is reloaded and dispatched if it is due. A refresh never
// re-arms a finished NOT_PERIODIC job.
func (s *Scheduler) TickSignals(ctx context.Context, sigs []async.Signal) (*TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.beginTick()
	report := &TickReport{}
	m := s.metricsOrNil()

	seen := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if m != nil {
			m.Signals.WithLabelValues(string(sig.Kind)).Inc()
		}
		if seen[sig.JobID] {
			continue
		}
		seen[sig.JobID] = true

		job, err := s.store.GetJob(ctx, sig.JobID)
		if errors.IsNotFoundError(err) {
			s.logger.Debugw("Signal for unknown job", logger.FieldJobID, sig.JobID, "kind", sig.Kind)
			continue
		}
		if err != nil {
			return report, errors.Wrapf(err, "failed to load signaled job %s", sig.JobID)
		}
		s.consider(ctx, job, now, report)
	}

	s.endTick(report, false)
	return report, nil
}

func (s *Scheduler) beginTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.lastTickAt = now
	s.ticksSinceStart++
	if s.metrics != nil {
		s.metrics.Ticks.Inc()
	}
	return now
}

// endTick records the outcome. A full sweep replaces the known next wakeup; a
// signal tick can only bring it earlier.
func (s *Scheduler) endTick(report *TickReport, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if full {
		s.nextWakeup = report.NextWakeup
		return
	}
	if report.NextWakeup != nil && (s.nextWakeup == nil || report.NextWakeup.Before(*s.nextWakeup)) {
		s.nextWakeup = report.NextWakeup
	}
}

// consider checks one job's eligibility and admission, and dispatches it
func (s *Scheduler) consider(ctx context.Context, job *async.Job, now time.Time, report *TickReport) {
	report.Considered++

	jt, ok := s.registry.Get(job.TypeID)
	if !ok {
		report.UnknownType = append(report.UnknownType, job.ID)
		s.warnUnknownType(job)
		return
	}

	if s.pool.IsRunning(job.ID) {
		report.AlreadyRunning = append(report.AlreadyRunning, job.ID)
		return
	}

	// The listed row may predate a run that finished since; decide on a fresh one
	fresh, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			s.pulseLog.Warnw("Failed to reload job", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
		return
	}

	if !async.IsDue(jt, fresh, now) {
		if next := async.NextWakeup(jt, fresh, now); next != nil && next.After(now) {
			report.noteWakeup(*next)
		}
		return
	}

	result, deferred := s.pool.TryDispatch(jt, fresh)
	switch result {
	case async.Dispatched:
		report.Dispatched = append(report.Dispatched, fresh.ID)
		s.logger.Debugw("Job dispatched",
			logger.FieldJobID, fresh.ID,
			logger.FieldJobType, fresh.TypeID,
			logger.FieldOwner, fresh.Owner)
	case async.AlreadyRunning:
		report.AlreadyRunning = append(report.AlreadyRunning, fresh.ID)
	case async.OwnerDeferred:
		report.Deferred = append(report.Deferred, *deferred)
		if m := s.metricsOrNil(); m != nil {
			m.AdmissionDeferred.WithLabelValues(fresh.TypeID).Inc()
		}
		s.logger.Debugw("Admission deferred", "reason", deferred.String())
	case async.NoFreeSlot:
		report.NoSlot = append(report.NoSlot, fresh.ID)
	case async.PoolStopped:
	}
}

func (s *Scheduler) warnUnknownType(job *async.Job) {
	s.mu.Lock()
	seen := s.unknownTypes[job.TypeID]
	s.unknownTypes[job.TypeID] = true
	s.mu.Unlock()
	if !seen {
		s.pulseLog.Warnw("Jobs of an unregistered type are left untouched",
			logger.FieldJobType, job.TypeID,
			logger.FieldJobID, job.ID)
	}
}

// logActivity logs the tick when the amount of active work changed
func (s *Scheduler) logActivity(report *TickReport) {
	activeWork := s.pool.Running()

	// Only log if active work count has changed
	s.mu.Lock()
	hasChanged := activeWork != s.lastActiveWork || len(report.Dispatched) > 0
	s.lastActiveWork = activeWork
	s.mu.Unlock()
	if !hasChanged {
		return
	}

	// Build visual indicator based on work load
	pulseIndicator := ""
	if activeWork > 0 {
		// 1 symbol per 5 running jobs, max 60 symbols
		numSymbols := (activeWork / 5) + 1
		if numSymbols > 60 {
			numSymbols = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	msg := fmt.Sprintf("%sPulse - %d dispatched, %d deferred", pulseIndicator, len(report.Dispatched), len(report.Deferred))
	if report.NextWakeup != nil {
		msg += fmt.Sprintf(", next wakeup in %s", report.NextWakeup.Sub(s.clock()).Round(time.Second))
	}

	metrics := s.pool.SystemMetrics()
	msg += fmt.Sprintf(" │ Workers: %d/%d active", metrics.WorkersActive, metrics.WorkersTotal)
	if metrics.MemoryTotalGB > 0 {
		msg += fmt.Sprintf(" │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}

	s.pulseLog.Infow(msg)
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		LastTickAt:      s.lastTickAt,
		TicksSinceStart: s.ticksSinceStart,
		PollInterval:    s.interval,
		NextWakeup:      s.nextWakeup,
		Running:         s.pool.Running(),
		JobsProcessed:   s.pool.JobsProcessed(),
	}
}
