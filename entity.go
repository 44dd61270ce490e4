package sourced

import (
	"github.com/sourced-io/sourced/clock"
)

// LocalEvent is an in-process notification queued during command methods
// and delivered to listeners after a successful commit.
type LocalEvent struct {
	Type string
	Data []byte
}

// Entity is the bookkeeping value embedded in every aggregate, read-model
// wrapper, and outbox message. It records the committed event history, the
// pending (uncommitted) records, and transient per-command metadata.
//
// An Entity is owned by one goroutine at a time; the queued repository or
// caller discipline enforces this. Repositories and stores shared across
// goroutines are safe for concurrent use, entities are not.
type Entity struct {
	id              string
	version         uint64
	snapshotVersion uint64
	events          []*EventRecord
	pending         []*EventRecord
	replaying       bool
	metadata        map[string]string

	queued    []LocalEvent
	listeners []func(LocalEvent)

	clk clock.Clock
}

func NewEntity() *Entity {
	return &Entity{}
}

func NewEntityWithID(id string) *Entity {
	return &Entity{id: id}
}

func (e *Entity) ID() string {
	return e.id
}

// SetID sets the entity id. The id may be set only when empty or to the
// same value; anything else is a programming error surfaced as
// ErrIDMismatch.
func (e *Entity) SetID(id string) error {
	if e.id != "" && e.id != id {
		return ErrIDMismatch
	}
	e.id = id
	return nil
}

// Version is the count of durably committed events, observed at load time
// and advanced by the repository on commit.
func (e *Entity) Version() uint64 {
	return e.version
}

func (e *Entity) SnapshotVersion() uint64 {
	return e.snapshotVersion
}

// SetSnapshotVersion records the version of the snapshot this entity was
// restored from (or last wrote). Loading events resumes after it.
func (e *Entity) SetSnapshotVersion(v uint64) {
	e.snapshotVersion = v
	if e.version < v {
		e.version = v
	}
}

// Events returns the committed history loaded into this entity. When the
// entity was restored from a snapshot, the slice starts after the snapshot
// version rather than at sequence 1.
func (e *Entity) Events() []*EventRecord {
	return e.events
}

// Pending returns the uncommitted records digested since load.
func (e *Entity) Pending() []*EventRecord {
	return e.pending
}

func (e *Entity) Replaying() bool {
	return e.replaying
}

// SetClock overrides the clock used to stamp digested records. Intended
// for tests; the default is the wall clock.
func (e *Entity) SetClock(c clock.Clock) {
	e.clk = c
}

func (e *Entity) now() int64 {
	c := e.clk
	if c == nil {
		c = clock.Time
	}
	return c.Now().UnixMilli()
}

// Digest records a new event at payload schema version 1. While the entity
// is replaying, Digest is a no-op returning nil: hydrate loops re-run the
// same command paths without re-recording.
func (e *Entity) Digest(name string, payload []byte) *EventRecord {
	return e.DigestV(name, 1, payload)
}

// DigestV records a new event with an explicit payload schema version.
// The record is appended to the pending list with the next sequence and a
// copy of the entity's current metadata.
func (e *Entity) DigestV(name string, version uint32, payload []byte) *EventRecord {
	if e.replaying {
		return nil
	}

	rec := &EventRecord{
		Name:      name,
		Version:   version,
		Payload:   payload,
		Sequence:  e.version + uint64(len(e.pending)) + 1,
		Timestamp: e.now(),
	}
	if len(e.metadata) > 0 {
		rec.Metadata = make(map[string]string, len(e.metadata))
		for k, v := range e.metadata {
			rec.Metadata[k] = v
		}
	}

	e.pending = append(e.pending, rec)
	return rec
}

// DigestEmpty records an event with no payload.
func (e *Entity) DigestEmpty(name string) *EventRecord {
	return e.Digest(name, nil)
}

// LoadHistory installs committed records loaded from a backend. The entity
// version advances to the last record's sequence. Pending records are
// untouched; callers load before digesting.
func (e *Entity) LoadHistory(records []*EventRecord) {
	e.events = records
	if n := len(records); n > 0 {
		e.version = records[n-1].Sequence
	}
}

// MarkCommitted moves pending records into the committed history and
// advances the version. Called by repositories after a successful commit.
func (e *Entity) MarkCommitted() {
	if len(e.pending) == 0 {
		return
	}
	e.events = append(e.events, e.pending...)
	e.version = e.pending[len(e.pending)-1].Sequence
	e.pending = nil
}

// replay runs fn with the replaying flag held so Digest calls inside
// command methods become no-ops.
func (e *Entity) replay(fn func() error) error {
	e.replaying = true
	defer func() { e.replaying = false }()
	return fn()
}

// Metadata is the transient per-command context attached to this entity
// instance. It is copied into records at digest time and never persisted
// with the entity itself.
func (e *Entity) Metadata() map[string]string {
	return e.metadata
}

func (e *Entity) SetMetadata(md map[string]string) {
	e.metadata = md
}

func (e *Entity) SetMeta(key, value string) {
	if e.metadata == nil {
		e.metadata = make(map[string]string)
	}
	e.metadata[key] = value
}

func (e *Entity) Meta(key string) string {
	return e.metadata[key]
}

func (e *Entity) ClearMetadata() {
	e.metadata = nil
}

func (e *Entity) SetCorrelationID(id string) {
	e.SetMeta(MetaCorrelationID, id)
}

func (e *Entity) SetCausationID(id string) {
	e.SetMeta(MetaCausationID, id)
}

// Enqueue queues a local event for post-commit emission. No-op while
// replaying, mirroring Digest.
func (e *Entity) Enqueue(ev LocalEvent) {
	if e.replaying {
		return
	}
	e.queued = append(e.queued, ev)
}

// Listen registers an in-process listener invoked by EmitQueued. Listeners
// run on the committing goroutine in registration order and must not block.
func (e *Entity) Listen(fn func(LocalEvent)) {
	e.listeners = append(e.listeners, fn)
}

// EmitQueued delivers every queued local event to each listener in
// registration order, then clears the queue. Repositories call this after
// a successful commit; it is never called on failure.
func (e *Entity) EmitQueued() {
	queued := e.queued
	e.queued = nil
	for _, ev := range queued {
		for _, fn := range e.listeners {
			fn(ev)
		}
	}
}

// ClearQueued drops queued local events without delivery. Called on abort.
func (e *Entity) ClearQueued() {
	e.queued = nil
}

func (e *Entity) QueuedLen() int {
	return len(e.queued)
}
