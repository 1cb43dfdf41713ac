package async

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
)

// NewJobRequest describes a job to create
type NewJobRequest struct {
	TypeID string
	Owner  string      // "" for a system-wide job
	Data   interface{} // json.RawMessage, []byte, or any JSON-marshalable value
}

// Dispatcher is the entry point for code that creates jobs: it checks the type
// against the registry, persists the WAIT row and signals the scheduler.
type Dispatcher struct {
	registry *Registry
	store    *Store
	queue    Queue
	logger   *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher. queue may be nil when no scheduler listens.
func NewDispatcher(registry *Registry, store *Store, queue Queue, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = logger.Logger
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		queue:    queue,
		logger:   logger.AddSignalSymbol(log.Named("dispatch")),
	}
}

// Create persists a new WAIT job
func (d *Dispatcher) Create(ctx context.Context, req NewJobRequest) (*Job, error) {
	if _, err := d.registry.Lookup(req.TypeID); err != nil {
		return nil, err
	}

	data, err := encodeData(req.Data)
	if err != nil {
		return nil, err
	}

	job, err := NewJob(req.TypeID, req.Owner, data)
	if err != nil {
		return nil, err
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to create job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Type: %s", job.TypeID))
	}

	d.logger.Infow("Job created",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.TypeID,
		logger.FieldOwner, job.Owner)
	return job, nil
}

// CreateAndStart creates the job and signals the scheduler to look at it now.
// A lost signal is logged only: the scheduler's sweep finds the job anyway.
func (d *Dispatcher) CreateAndStart(ctx context.Context, req NewJobRequest) (*Job, error) {
	job, err := d.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	d.Start(ctx, job)
	return job, nil
}

// Start signals that job is ready
func (d *Dispatcher) Start(ctx context.Context, job *Job) {
	if d.queue == nil {
		return
	}
	if err := d.queue.Start(ctx, job.ID); err != nil {
		d.logger.Warnw("Start signal lost, job will be found by the next sweep",
			logger.FieldJobID, job.ID,
			logger.FieldError, err)
	}
}

// Refresh signals that something job depends on changed
func (d *Dispatcher) Refresh(ctx context.Context, job *Job) {
	if d.queue == nil {
		return
	}
	if err := RefreshJob(ctx, d.queue, job); err != nil {
		d.logger.Warnw("Refresh signal lost, job will be found by the next sweep",
			logger.FieldJobID, job.ID,
			logger.FieldError, err)
	}
}

// encodeData turns a request payload into the job's JSON blob
func encodeData(v interface{}) (json.RawMessage, error) {
	switch data := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return data, nil
	case []byte:
		return json.RawMessage(data), nil
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal job data")
		}
		return raw, nil
	}
}

// EnsurePeriodicJobs creates the one permanent, system-wide job of every
// periodic kind that has no job yet. Returns the jobs it created.
func EnsurePeriodicJobs(ctx context.Context, registry *Registry, store *Store) ([]*Job, error) {
	var created []*Job
	for _, jt := range registry.PeriodicTypes() {
		n, err := store.CountJobsByType(ctx, jt.ID())
		if err != nil {
			return created, err
		}
		if n > 0 {
			continue
		}

		job, err := NewJob(jt.ID(), "", nil)
		if err != nil {
			return created, err
		}
		if err := store.CreateJob(ctx, job); err != nil {
			return created, errors.Wrapf(err, "failed to create periodic job %s", jt.ID())
		}
		created = append(created, job)
	}
	return created, nil
}
