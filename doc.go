/*
Package sourced is an embeddable CQRS / event-sourcing toolkit. Domain
objects are plain structs that embed an Entity: a small bookkeeping value
recording an append-only sequence of event records. State is rebuilt by
replaying events; commands digest new records that a repository persists
with optimistic concurrency, optionally together with read-model writes
and durable outbox messages in one atomic batch.

Entities and aggregates

A todo aggregate digests events in command methods and applies them back
during hydrate:

	type Todo struct {
		entity    *sourced.Entity
		Task      string
		Completed bool
	}

	func (t *Todo) Entity() *sourced.Entity { return t.entity }

	func (t *Todo) Complete() {
		if t.Completed {
			return
		}
		t.Completed = true
		t.entity.DigestEmpty("Completed")
	}

	func (t *Todo) Apply(rec *sourced.EventRecord) error {
		return sourced.Appliers{
			"Initialized": t.applyInitialized,
			"Completed":   func(*sourced.EventRecord) error { t.Completed = true; return nil },
		}.Apply(rec)
	}

Repositories

NewMemoryRepository provides the in-memory reference backend; natsstore
and pgstore provide JetStream and Postgres backends. Wrap any repository
in a QueuedRepository to serialize commands per id:

	repo := sourced.NewQueuedRepository(sourced.NewMemoryRepository())
	e, err := repo.Get("t1")   // blocks until t1's lock is granted
	...
	err = repo.Commit(e)       // releases the lock, success or not

Atomic batches

The commit builder stages read models and outbox messages next to the
primary aggregate:

	err := sourced.NewCommit(repo).
		Models(views).
		ReadModel(todoView).
		Outbox(msg).
		Commit(todo)

Snapshots

An AggregateStore restores from the latest snapshot and replays only the
tail of the log, writing a new snapshot on commit once the entity's
version is at least N events past the last snapshot:

	s, _ := sourced.New()
	store := s.AggregateStore(repo, sourced.Snapshots(snaps, 10))
	found, err := store.Load(todo, "t1")
*/
package sourced
