package bus

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	eventIDHdr         = "Sourced-Event-Id"
	eventTypeHdr       = "Sourced-Event-Type"
	eventDestHdr       = "Sourced-Event-Dest"
	eventMetaPrefixHdr = "Sourced-Meta-"
)

// NatsBus is a bus backend over core NATS subjects. Fan-out publishes on
// "<prefix>.evt.<type>" so subscriptions filter server-side; named
// queues map to "<prefix>.q.<name>" with a queue group, giving competing
// consumers across processes.
//
// Event types and queue names become subject tokens and must not contain
// whitespace, '.', '*' or '>'.
type NatsBus struct {
	nc             *nats.Conn
	prefix         string
	log            *logrus.Logger
	defaultTimeout time.Duration

	mu        sync.Mutex
	listeners map[string]*nats.Subscription
}

type NatsOption func(b *NatsBus)

// SubjectPrefix overrides the default "sourced" subject prefix, allowing
// several buses to share one NATS deployment.
func SubjectPrefix(p string) NatsOption {
	return func(b *NatsBus) {
		b.prefix = p
	}
}

// Logger attaches a logger for subscription teardown errors the bus
// handles itself; default discards.
func Logger(l *logrus.Logger) NatsOption {
	return func(b *NatsBus) {
		b.log = l
	}
}

func NewNatsBus(nc *nats.Conn, opts ...NatsOption) *NatsBus {
	b := &NatsBus{
		nc:        nc,
		prefix:    "sourced",
		listeners: make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		b.log = l
	}
	return b
}

// Pack an event into a NATS message. Headers carry the envelope fields
// so the payload bytes travel untouched.
func packEvent(subject string, e Event) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = e.Payload
	msg.Header.Set(eventIDHdr, e.ID)
	msg.Header.Set(eventTypeHdr, e.Type)
	if e.Destination != "" {
		msg.Header.Set(eventDestHdr, e.Destination)
	}
	for k, v := range e.Metadata {
		msg.Header.Set(eventMetaPrefixHdr+k, v)
	}
	return msg
}

func unpackEvent(msg *nats.Msg) *Event {
	e := &Event{
		ID:          msg.Header.Get(eventIDHdr),
		Type:        msg.Header.Get(eventTypeHdr),
		Payload:     msg.Data,
		Destination: msg.Header.Get(eventDestHdr),
	}
	for h := range msg.Header {
		if strings.HasPrefix(h, eventMetaPrefixHdr) {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			e.Metadata[h[len(eventMetaPrefixHdr):]] = msg.Header.Get(h)
		}
	}
	return e
}

func (b *NatsBus) Publish(e Event) error {
	return b.nc.PublishMsg(packEvent(b.prefix+".evt."+e.Type, e))
}

func (b *NatsBus) Send(queue string, e Event) error {
	e.Destination = queue
	return b.nc.PublishMsg(packEvent(b.prefix+".q."+queue, e))
}

// Subscribe attaches a receiver for the given event types. With no
// types, the receiver observes every published event under the prefix.
func (b *NatsBus) Subscribe(eventTypes ...string) (Receiver, error) {
	ch := make(chan *nats.Msg, 256)

	subjects := []string{b.prefix + ".evt.>"}
	if len(eventTypes) > 0 {
		subjects = make([]string, len(eventTypes))
		for i, t := range eventTypes {
			subjects[i] = b.prefix + ".evt." + t
		}
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := b.nc.ChanSubscribe(subject, ch)
		if err != nil {
			for _, s := range subs {
				if uerr := s.Unsubscribe(); uerr != nil {
					b.log.WithField("subject", s.Subject).WithError(uerr).Warn("bus unsubscribe failed")
				}
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	return &natsReceiver{ch: ch, subs: subs, log: b.log, defaultTimeout: b.defaultTimeout}, nil
}

// Listen pops the head of the named queue, blocking up to timeout; a
// non-positive timeout falls back to the configured default. All
// listeners on a queue share one queue group, so each event is delivered
// to exactly one of them.
func (b *NatsBus) Listen(queue string, timeout time.Duration) (*Event, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	sub, err := b.listener(queue)
	if err != nil {
		return nil, err
	}

	msg, err := sub.NextMsg(timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return unpackEvent(msg), nil
}

func (b *NatsBus) listener(queue string) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.listeners[queue]; ok {
		return sub, nil
	}
	sub, err := b.nc.QueueSubscribeSync(b.prefix+".q."+queue, "sourced-q-"+queue)
	if err != nil {
		return nil, err
	}
	b.listeners[queue] = sub
	return sub, nil
}

// Close detaches all cached queue listeners. The NATS connection itself
// is owned by the caller.
func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for q, sub := range b.listeners {
		if err := sub.Unsubscribe(); err != nil {
			b.log.WithField("queue", q).WithError(err).Warn("bus unsubscribe failed")
		}
		delete(b.listeners, q)
	}
	return nil
}

type natsReceiver struct {
	ch             chan *nats.Msg
	subs           []*nats.Subscription
	log            *logrus.Logger
	defaultTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (r *natsReceiver) Recv(timeout time.Duration) (*Event, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-r.ch:
		return unpackEvent(msg), nil
	case <-timer.C:
		return nil, nil
	}
}

func (r *natsReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.log.WithField("subject", sub.Subject).WithError(err).Warn("bus unsubscribe failed")
		}
	}
	return nil
}

var _ Bus = (*NatsBus)(nil)
