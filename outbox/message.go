// Package outbox provides durable at-least-once integration messaging:
// messages persist atomically with domain events and background workers
// claim, publish, and acknowledge them with lease-based recovery.
package outbox

import (
	"strconv"
	"strings"

	"github.com/sourced-io/sourced"
	"github.com/sourced-io/sourced/codec"
)

// Status of an outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IDPrefix namespaces outbox entities within a shared repository so
// claimers can find them.
const IDPrefix = "outbox:"

// Internal event names of the message aggregate.
const (
	evCreated   = "MessageCreated"
	evClaimed   = "MessageClaimed"
	evSucceeded = "MessagePublished"
	evReleased  = "MessageReleased"
	evFailed    = "MessageFailed"
)

// Message state transitions are themselves events on an entity, so a
// message commits through the same repository batch as the aggregate
// that produced it.
type Message struct {
	entity *sourced.Entity

	EventType   string
	Payload     []byte
	Destination string
	Status      Status
	Attempts    uint32
	WorkerID    string
	LeaseUntil  int64
	LastError   string
	CreatedAt   int64
	Metadata    map[string]string
}

type createdPayload struct {
	EventType   string            `msgpack:"event_type"`
	Payload     []byte            `msgpack:"payload"`
	Destination string            `msgpack:"destination,omitempty"`
	Metadata    map[string]string `msgpack:"metadata,omitempty"`
}

type claimedPayload struct {
	WorkerID   string `msgpack:"worker_id"`
	LeaseUntil int64  `msgpack:"lease_until_ms"`
}

type errorPayload struct {
	Error string `msgpack:"error,omitempty"`
}

// mcodec encodes the message's internal event payloads. Fixed so stored
// messages stay readable regardless of the domain's codec choice.
var mcodec = codec.MsgPack

func normalizeID(id string) string {
	if strings.HasPrefix(id, IDPrefix) {
		return id
	}
	return IDPrefix + id
}

// New creates a pending fan-out message. The id is namespaced with
// IDPrefix; a typical id is "<aggregate_id>:<suffix>".
func New(msgID, eventType string, payload []byte) (*Message, error) {
	return create(msgID, eventType, "", payload, nil)
}

// NewTo creates a pending point-to-point message: the worker delivers it
// to the named queue instead of fanning out.
func NewTo(msgID, eventType, destination string, payload []byte) (*Message, error) {
	return create(msgID, eventType, destination, payload, nil)
}

// ForEntity creates a message inheriting the entity's transient metadata,
// so correlation and trace context survive the hop onto the bus.
func ForEntity(msgID, eventType string, payload []byte, e *sourced.Entity) (*Message, error) {
	md := e.Metadata()
	var copied map[string]string
	if len(md) > 0 {
		copied = make(map[string]string, len(md))
		for k, v := range md {
			copied[k] = v
		}
	}
	return create(msgID, eventType, "", payload, copied)
}

// DomainEvent derives everything from a snapshottable aggregate: the id
// is "<entity_id>:<event_type>:<version>", the payload is the encoded
// snapshot, and metadata is inherited from the entity.
func DomainEvent(eventType string, agg sourced.Snapshottable, c codec.Codec) (*Message, error) {
	if c == nil {
		c = codec.Default
	}
	payload, err := c.Marshal(agg.CreateSnapshot())
	if err != nil {
		return nil, err
	}
	e := agg.Entity()
	version := e.Version() + uint64(len(e.Pending()))
	msgID := e.ID() + ":" + eventType + ":" + strconv.FormatUint(version, 10)
	return ForEntity(msgID, eventType, payload, e)
}

func create(msgID, eventType, destination string, payload []byte, metadata map[string]string) (*Message, error) {
	m := &Message{entity: sourced.NewEntity()}
	if err := m.entity.SetID(normalizeID(msgID)); err != nil {
		return nil, err
	}
	m.entity.SetMetadata(metadata)
	if err := m.initialize(eventType, destination, payload, metadata); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) initialize(eventType, destination string, payload []byte, metadata map[string]string) error {
	body, err := mcodec.Marshal(&createdPayload{
		EventType:   eventType,
		Payload:     payload,
		Destination: destination,
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	rec := m.entity.Digest(evCreated, body)

	m.EventType = eventType
	m.Payload = payload
	m.Destination = destination
	m.Metadata = metadata
	m.Status = StatusPending
	if rec != nil {
		m.CreatedAt = rec.Timestamp
	}
	return nil
}

// Entity exposes the bookkeeping header; Message satisfies the aggregate
// contract and commits like any other.
func (m *Message) Entity() *sourced.Entity {
	return m.entity
}

func (m *Message) ID() string {
	return m.entity.ID()
}

// PayloadString returns the payload bytes converted to a string, for logs
// and tests. The bytes are not checked for valid UTF-8.
func (m *Message) PayloadString() string {
	return string(m.Payload)
}

func (m *Message) IsPending() bool   { return m.Status == StatusPending }
func (m *Message) IsClaimed() bool   { return m.Status == StatusClaimed }
func (m *Message) IsSucceeded() bool { return m.Status == StatusSucceeded }
func (m *Message) IsFailed() bool    { return m.Status == StatusFailed }

// Claimable reports whether a worker may claim the message at the given
// time: pending, or claimed with an expired lease.
func (m *Message) Claimable(nowMillis int64) bool {
	if m.Status == StatusPending {
		return true
	}
	return m.Status == StatusClaimed && m.LeaseUntil < nowMillis
}

// Claim transitions to Claimed for the worker until untilMillis and
// counts the attempt. Guarded: no event when the message is not
// claimable at nowMillis.
func (m *Message) Claim(workerID string, nowMillis, untilMillis int64) error {
	if !m.Claimable(nowMillis) {
		return nil
	}
	body, err := mcodec.Marshal(&claimedPayload{WorkerID: workerID, LeaseUntil: untilMillis})
	if err != nil {
		return err
	}
	m.entity.Digest(evClaimed, body)

	m.Status = StatusClaimed
	m.Attempts++
	m.WorkerID = workerID
	m.LeaseUntil = untilMillis
	return nil
}

// Complete transitions a claimed message to Succeeded.
func (m *Message) Complete() {
	if !m.IsClaimed() {
		return
	}
	m.entity.DigestEmpty(evSucceeded)

	m.Status = StatusSucceeded
	m.WorkerID = ""
	m.LeaseUntil = 0
}

// Release returns a claimed message to Pending for a future retry,
// recording the error.
func (m *Message) Release(errMsg string) error {
	if !m.IsClaimed() {
		return nil
	}
	body, err := mcodec.Marshal(&errorPayload{Error: errMsg})
	if err != nil {
		return err
	}
	m.entity.Digest(evReleased, body)

	m.Status = StatusPending
	m.LastError = errMsg
	m.WorkerID = ""
	m.LeaseUntil = 0
	return nil
}

// Fail transitions to Failed after delivery was abandoned. Terminal.
func (m *Message) Fail(errMsg string) error {
	if m.IsSucceeded() || m.IsFailed() {
		return nil
	}
	body, err := mcodec.Marshal(&errorPayload{Error: errMsg})
	if err != nil {
		return err
	}
	m.entity.Digest(evFailed, body)

	m.Status = StatusFailed
	m.LastError = errMsg
	m.WorkerID = ""
	m.LeaseUntil = 0
	return nil
}

// Apply rebuilds message state from a stored record.
func (m *Message) Apply(rec *sourced.EventRecord) error {
	switch rec.Name {
	case evCreated:
		var p createdPayload
		if err := mcodec.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		m.EventType = p.EventType
		m.Payload = p.Payload
		m.Destination = p.Destination
		m.Metadata = p.Metadata
		m.Status = StatusPending
		m.CreatedAt = rec.Timestamp
	case evClaimed:
		var p claimedPayload
		if err := mcodec.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		m.Status = StatusClaimed
		m.Attempts++
		m.WorkerID = p.WorkerID
		m.LeaseUntil = p.LeaseUntil
	case evSucceeded:
		m.Status = StatusSucceeded
		m.WorkerID = ""
		m.LeaseUntil = 0
	case evReleased:
		var p errorPayload
		if err := mcodec.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		m.Status = StatusPending
		m.LastError = p.Error
		m.WorkerID = ""
		m.LeaseUntil = 0
	case evFailed:
		var p errorPayload
		if err := mcodec.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		m.Status = StatusFailed
		m.LastError = p.Error
		m.WorkerID = ""
		m.LeaseUntil = 0
	default:
		return &sourced.UnknownEventError{Name: rec.Name}
	}
	return nil
}

// FromEntity hydrates a message from a loaded entity.
func FromEntity(e *sourced.Entity) (*Message, error) {
	m := &Message{entity: e}
	if err := sourced.Hydrate(m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ sourced.Aggregate = (*Message)(nil)
