package outbox

import (
	"sort"
	"strings"
	"time"

	"github.com/sourced-io/sourced"
	"github.com/sourced-io/sourced/clock"
)

// Store is the worker-facing outbox contract. Claim atomically selects up
// to batchSize messages that are pending or whose lease expired, marks
// them claimed for the worker, and counts the attempt, in FIFO order by
// (created_at, id). Commit writes a message's state transition back.
type Store interface {
	Claim(workerID string, batchSize int, lease time.Duration) ([]*Message, error)
	Commit(msg *Message) error
}

// RepositoryStore implements the outbox contract over any event-store
// repository: messages are ordinary entities under IDPrefix, and the
// repository's optimistic concurrency arbitrates racing claimers — a
// losing claim simply skips the message.
type RepositoryStore struct {
	repo sourced.Repository
	clk  clock.Clock
}

type RepositoryStoreOption func(s *RepositoryStore)

// StoreClock overrides the wall clock, for lease-expiry tests.
func StoreClock(c clock.Clock) RepositoryStoreOption {
	return func(s *RepositoryStore) {
		s.clk = c
	}
}

func NewRepositoryStore(repo sourced.Repository, opts ...RepositoryStoreOption) *RepositoryStore {
	s := &RepositoryStore{
		repo: repo,
		clk:  clock.Time,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RepositoryStore) Claim(workerID string, batchSize int, lease time.Duration) ([]*Message, error) {
	entities, err := s.repo.Find(func(e *sourced.Entity) bool {
		return strings.HasPrefix(e.ID(), IDPrefix)
	})
	if err != nil {
		return nil, err
	}

	now := clock.Millis(s.clk)
	var candidates []*Message
	for _, e := range entities {
		m, err := FromEntity(e)
		if err != nil {
			return nil, err
		}
		if m.Claimable(now) {
			candidates = append(candidates, m)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}
		return candidates[i].ID() < candidates[j].ID()
	})

	until := now + lease.Milliseconds()
	var claimed []*Message
	for _, m := range candidates {
		if len(claimed) == batchSize {
			break
		}
		if err := m.Claim(workerID, now, until); err != nil {
			return nil, err
		}
		if err := s.repo.Commit(m.Entity()); err != nil {
			if sourced.IsVersionConflict(err) {
				// Another worker claimed it first.
				continue
			}
			return nil, err
		}
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (s *RepositoryStore) Commit(msg *Message) error {
	return s.repo.Commit(msg.Entity())
}

var _ Store = (*RepositoryStore)(nil)
