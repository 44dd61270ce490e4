package outbox

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sourced-io/sourced/bus"
	"github.com/sourced-io/sourced/id"
)

// Result summarizes one drain pass.
type Result struct {
	Claimed   int
	Published int
	Failed    int
}

// Worker drains an outbox store and hands messages to the bus. Delivery
// is at-least-once: a crash between publish and ack re-delivers after
// the lease expires, so consumers must be idempotent. Ordering is
// best-effort FIFO within one worker; not guaranteed across workers.
//
// Messages with a destination route point-to-point through the Sender
// when one is configured; everything else fans out through the
// Publisher.
type Worker struct {
	store  Store
	pub    bus.Publisher
	sender bus.Sender

	workerID    string
	batchSize   int
	lease       time.Duration
	maxAttempts uint32
	interval    time.Duration
	log         *logrus.Logger
}

type WorkerOption func(w *Worker)

// WithSender enables routed delivery for messages carrying a
// destination.
func WithSender(s bus.Sender) WorkerOption {
	return func(w *Worker) {
		w.sender = s
	}
}

// WorkerID overrides the generated worker id.
func WorkerID(id string) WorkerOption {
	return func(w *Worker) {
		w.workerID = id
	}
}

// BatchSize caps how many messages one drain pass claims. Default 10.
func BatchSize(n int) WorkerOption {
	return func(w *Worker) {
		w.batchSize = n
	}
}

// Lease sets how long a claim holds before an unacked message becomes
// re-claimable. Default 30s.
func Lease(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.lease = d
	}
}

// MaxAttempts sets the delivery attempt ceiling before a message is
// marked failed. Default 5.
func MaxAttempts(n uint32) WorkerOption {
	return func(w *Worker) {
		w.maxAttempts = n
	}
}

// Interval sets how often Run and RunPool drain. Default 1s.
func Interval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = d
	}
}

// Logger attaches a logger for delivery errors; default discards.
func Logger(l *logrus.Logger) WorkerOption {
	return func(w *Worker) {
		w.log = l
	}
}

func NewWorker(store Store, pub bus.Publisher, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		pub:         pub,
		workerID:    "worker-" + id.NUID.New(),
		batchSize:   10,
		lease:       30 * time.Second,
		maxAttempts: 5,
		interval:    time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		w.log = l
	}
	return w
}

// ID returns the worker id used in claims.
func (w *Worker) ID() string {
	return w.workerID
}

// DrainOnce claims one batch and processes it serially. Publish success
// acks the message; publish failure marks it failed once attempts reach
// the ceiling and otherwise leaves it claimed, so lease expiry returns
// it to the pool.
func (w *Worker) DrainOnce() (Result, error) {
	var res Result

	msgs, err := w.store.Claim(w.workerID, w.batchSize, w.lease)
	if err != nil {
		return res, err
	}
	res.Claimed = len(msgs)

	for _, m := range msgs {
		if err := w.deliver(m); err != nil {
			w.log.WithFields(logrus.Fields{
				"message_id": m.ID(),
				"event_type": m.EventType,
				"attempts":   m.Attempts,
			}).WithError(err).Warn("outbox delivery failed")

			if m.Attempts >= w.maxAttempts {
				if ferr := m.Fail(err.Error()); ferr != nil {
					return res, ferr
				}
				if cerr := w.store.Commit(m); cerr != nil {
					return res, cerr
				}
				res.Failed++
			}
			continue
		}

		m.Complete()
		if err := w.store.Commit(m); err != nil {
			// Published but not acked; the message will be re-claimed
			// and re-published after its lease expires.
			return res, err
		}
		res.Published++
	}
	return res, nil
}

func (w *Worker) deliver(m *Message) error {
	ev := bus.Event{
		ID:          m.ID(),
		Type:        m.EventType,
		Payload:     m.Payload,
		Metadata:    m.Metadata,
		Destination: m.Destination,
	}
	if m.Destination != "" && w.sender != nil {
		return w.sender.Send(m.Destination, ev)
	}
	return w.pub.Publish(ev)
}

// Run drains on the configured interval until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.DrainOnce(); err != nil {
				w.log.WithError(err).Error("outbox drain failed")
			}
		}
	}
}

// RunPool runs n concurrent drain loops sharing this worker's store and
// settings, each under its own worker id. Returns when the context is
// canceled.
func (w *Worker) RunPool(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		peer := &Worker{
			store:       w.store,
			pub:         w.pub,
			sender:      w.sender,
			workerID:    w.workerID + "-" + id.NUID.New(),
			batchSize:   w.batchSize,
			lease:       w.lease,
			maxAttempts: w.maxAttempts,
			interval:    w.interval,
			log:         w.log,
		}
		g.Go(func() error {
			return peer.Run(ctx)
		})
	}
	return g.Wait()
}
