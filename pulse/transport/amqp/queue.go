// Package amqp carries scheduler signals over RabbitMQ, for a scheduler daemon
// running apart from the processes that create jobs.
//
// A message body is only the job id and the signal kind. Messages are consumed
// with auto-ack: a lost signal costs latency, never a job, because the
// scheduler's sweep reads the store.
package amqp

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
)

// Channel is the subset of *amqp.Channel the queue uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Queue implements async.Queue over an AMQP exchange. Publishing works in any
// process; only the scheduler daemon calls Consume.
type Queue struct {
	*async.SignalSet

	ch        Channel
	conn      io.Closer
	exchange  string
	queueName string
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	consuming bool
	done      chan struct{}
}

// Dial connects to the broker named in cfg and declares the topology
func Dial(cfg am.QueueConfig, log *zap.SugaredLogger) (*Queue, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "failed to connect to RabbitMQ"),
			"check queue.amqp_url in am.toml or CRMPULSE_AMQP_URL")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open a channel")
	}

	q, err := New(ch, conn, cfg.Exchange, cfg.QueueName, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// New wraps an open channel. conn, if not nil, is closed with the queue.
func New(ch Channel, conn io.Closer, exchange, queueName string, log *zap.SugaredLogger) (*Queue, error) {
	if log == nil {
		log = logger.Logger
	}
	q := &Queue{
		SignalSet: async.NewSignalSet(),
		ch:        ch,
		conn:      conn,
		exchange:  exchange,
		queueName: queueName,
		logger:    logger.AddSignalSymbol(log.Named("amqp")),
		done:      make(chan struct{}),
	}
	if err := q.setupTopology(); err != nil {
		return nil, err
	}
	return q, nil
}

// setupTopology declares the exchange, the scheduler's queue and one binding
// per signal kind. Idempotent.
func (q *Queue) setupTopology() error {
	if err := q.ch.ExchangeDeclare(q.exchange, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", q.exchange)
	}
	if _, err := q.ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", q.queueName)
	}
	for _, kind := range []async.SignalKind{async.SignalStart, async.SignalRefresh} {
		if err := q.ch.QueueBind(q.queueName, string(kind), q.exchange, false, nil); err != nil {
			return errors.Wrapf(err, "failed to bind %s to %s", kind, q.queueName)
		}
	}
	return nil
}

// Start publishes a start signal for jobID
func (q *Queue) Start(ctx context.Context, jobID string) error {
	return q.publish(ctx, async.Signal{JobID: jobID, Kind: async.SignalStart})
}

// Refresh publishes a refresh signal for jobID
func (q *Queue) Refresh(ctx context.Context, jobID string) error {
	return q.publish(ctx, async.Signal{JobID: jobID, Kind: async.SignalRefresh})
}

func (q *Queue) publish(ctx context.Context, sig async.Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return errors.Wrap(err, "failed to encode signal")
	}
	err = q.ch.PublishWithContext(ctx,
		q.exchange,       // exchange
		string(sig.Kind), // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return errors.Wrapf(err, "failed to publish %s signal for job %s", sig.Kind, sig.JobID)
	}
	return nil
}

// Consume starts feeding delivered signals into the pending set until ctx ends
// or the channel closes. It returns once the consumer is registered.
func (q *Queue) Consume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consuming {
		return errors.New("amqp queue is already consuming")
	}

	deliveries, err := q.ch.Consume(
		q.queueName,
		"crmpulse-scheduler", // consumer
		true,                 // auto-ack; signals are hints
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to consume %s", q.queueName)
	}
	q.consuming = true

	go q.receive(ctx, deliveries)
	return nil
}

func (q *Queue) receive(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				q.logger.Warnw("AMQP delivery channel closed, relying on the sweep")
				return
			}
			sig, err := decodeSignal(d.Body)
			if err != nil {
				q.logger.Warnw("Dropping malformed signal", logger.FieldError, err)
				continue
			}
			q.Add(sig)
		}
	}
}

// decodeSignal accepts a JSON signal or, for plain producers, a bare job id
// taken as a start signal
func decodeSignal(body []byte) (async.Signal, error) {
	var sig async.Signal
	if len(body) > 0 && body[0] == '{' {
		if err := json.Unmarshal(body, &sig); err != nil {
			return sig, errors.Wrap(err, "invalid signal body")
		}
	} else {
		sig = async.Signal{JobID: string(body), Kind: async.SignalStart}
	}
	if sig.JobID == "" {
		return sig, errors.New("signal without job id")
	}
	switch sig.Kind {
	case async.SignalStart, async.SignalRefresh:
	default:
		return sig, errors.Newf("unknown signal kind %q", sig.Kind)
	}
	return sig, nil
}

// Done is closed when the consumer goroutine exits
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close closes the channel and the connection
func (q *Queue) Close() error {
	var errs []error
	if err := q.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "failed to close amqp queue (%d errors)", len(errs))
	}
	return nil
}
