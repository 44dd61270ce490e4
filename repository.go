package sourced

// GetOption configures a repository load.
type GetOption interface {
	getOpt(o *getOpts) error
}

// GetOptions is the resolved form of a load's options. Backends outside
// this package resolve with ConfigureGet to honor AfterSequence.
type GetOptions struct {
	// AfterSequence is the exclusive lower bound on record sequences to
	// load; zero loads the full log.
	AfterSequence uint64
}

type getOpts = GetOptions

type getOptFn func(o *getOpts) error

func (f getOptFn) getOpt(o *getOpts) error {
	return f(o)
}

// AfterSequence loads only records with a sequence greater than seq. Used
// when partial state has already been restored from a snapshot and only
// the tail of the history is needed.
func AfterSequence(seq uint64) GetOption {
	return getOptFn(func(o *getOpts) error {
		o.AfterSequence = seq
		return nil
	})
}

// ConfigureGet resolves load options for backend implementations.
func ConfigureGet(opts ...GetOption) (GetOptions, error) {
	var o GetOptions
	for _, opt := range opts {
		if err := opt.getOpt(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

// Repository is the event store contract. Implementations must be safe
// for concurrent use.
//
// Get returns nil without error for a missing id. Commit is atomic across
// the whole batch: every entity's stored version must equal the version
// observed at load time, otherwise the commit fails with a
// VersionConflictError and no entity in the batch is mutated. On success
// each entity's pending records are appended to its log, the entity is
// marked committed, and its queued local events are emitted.
type Repository interface {
	Get(id string, opts ...GetOption) (*Entity, error)
	GetAll(ids ...string) ([]*Entity, error)
	Find(pred func(*Entity) bool) ([]*Entity, error)
	FindOne(pred func(*Entity) bool) (*Entity, error)
	Exists(pred func(*Entity) bool) (bool, error)
	Count(pred func(*Entity) bool) (int, error)
	Commit(entities ...*Entity) error
}

// Peekable is implemented by repositories that can read without taking
// the per-key queue lock. Reads may be stale during in-flight writes.
type Peekable interface {
	Peek(id string, opts ...GetOption) (*Entity, error)
}

// Aborter is implemented by repositories that hold per-key locks on Get
// and need an explicit release path when the caller commits nothing.
type Aborter interface {
	Abort(id string) error
}
