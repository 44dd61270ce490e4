package sourced

// Aggregate is a domain object whose state is defined by the ordered
// events applied to it. A type is an aggregate iff it exposes its entity
// header and can apply a stored record to its in-memory state.
//
// Apply must be a pure function of the current state and the record.
// During apply the aggregate mutates its own fields directly, not via
// Digest; the replaying guard on the entity makes re-entrant command
// methods safe.
type Aggregate interface {
	Entity() *Entity
	Apply(record *EventRecord) error
}

// Upcasting is optionally implemented by aggregates whose stored payloads
// have evolved across schema versions.
type Upcasting interface {
	Upcasters() []Upcaster
}

// Snapshottable is optionally implemented by aggregates that support
// snapshot-based hydration. NewSnapshot returns a pointer value for the
// codec to decode into; RestoreSnapshot receives that decoded value.
type Snapshottable interface {
	Aggregate
	CreateSnapshot() any
	NewSnapshot() any
	RestoreSnapshot(snapshot any) error
}

// Appliers maps event names to apply functions, the runtime equivalent of
// a generated apply dispatcher. Aggregates typically build one per call
// with closures over the receiver.
type Appliers map[string]func(record *EventRecord) error

// Apply dispatches the record by name. An unregistered name is fatal
// during hydrate and surfaces as an UnknownEventError.
func (a Appliers) Apply(record *EventRecord) error {
	fn, ok := a[record.Name]
	if !ok {
		return &UnknownEventError{Name: record.Name}
	}
	return fn(record)
}

// Hydrate replays the committed history of the aggregate's entity through
// Apply with the replaying guard held. Pending records are not replayed.
func Hydrate(agg Aggregate) error {
	e := agg.Entity()
	return e.replay(func() error {
		for _, rec := range e.events {
			if err := agg.Apply(rec); err != nil {
				return err
			}
		}
		return nil
	})
}
