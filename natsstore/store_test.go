package natsstore

import (
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/sourced-io/sourced"
	"github.com/sourced-io/sourced/testutil"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	srv := testutil.NewNatsServer(-1)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		testutil.ShutdownNatsServer(srv)
		t.Fatal(err)
	}

	s, err := New(nc, "entities")
	if err != nil {
		nc.Close()
		testutil.ShutdownNatsServer(srv)
		t.Fatal(err)
	}
	if err := s.Create(nats.MemoryStorage, 1); err != nil {
		nc.Close()
		testutil.ShutdownNatsServer(srv)
		t.Fatal(err)
	}

	return s, func() {
		nc.Close()
		testutil.ShutdownNatsServer(srv)
	}
}

func TestStoreCommitAndGet(t *testing.T) {
	is := testutil.NewIs(t)

	s, shutdown := newTestStore(t)
	defer shutdown()

	e := sourced.NewEntityWithID("t1")
	e.SetCorrelationID("req-1")
	e.Digest("Initialized", []byte(`{"task":"ship"}`))
	e.DigestEmpty("Completed")
	is.NoErr(s.Commit(e))
	is.Equal(e.Version(), uint64(2))

	loaded, err := s.Get("t1")
	is.NoErr(err)
	is.True(loaded != nil)
	is.Equal(loaded.Version(), uint64(2))
	is.Equal(len(loaded.Events()), 2)

	rec := loaded.Events()[0]
	is.Equal(rec.Name, "Initialized")
	is.Equal(rec.Version, uint32(1))
	is.Equal(rec.Sequence, uint64(1))
	is.Equal(rec.Payload, []byte(`{"task":"ship"}`))
	is.Equal(rec.CorrelationID(), "req-1")
	is.True(rec.Timestamp > 0)

	is.Equal(loaded.Events()[1].Sequence, uint64(2))
}

func TestStoreGetMissing(t *testing.T) {
	is := testutil.NewIs(t)

	s, shutdown := newTestStore(t)
	defer shutdown()

	e, err := s.Get("nope")
	is.NoErr(err)
	is.True(e == nil)
}

func TestStoreOptimisticConflict(t *testing.T) {
	is := testutil.NewIs(t)

	s, shutdown := newTestStore(t)
	defer shutdown()

	e := sourced.NewEntityWithID("t1")
	e.DigestEmpty("Created")
	is.NoErr(s.Commit(e))

	h1, err := s.Get("t1")
	is.NoErr(err)
	h2, err := s.Get("t1")
	is.NoErr(err)

	h1.DigestEmpty("Touched")
	is.NoErr(s.Commit(h1))
	is.Equal(h1.Version(), uint64(2))

	h2.DigestEmpty("Touched")
	err = s.Commit(h2)
	is.Err(err, sourced.ErrVersionConflict)
	is.Equal(h2.Version(), uint64(1))
	is.Equal(len(h2.Pending()), 1)
}

func TestStoreConflictOnFreshEntity(t *testing.T) {
	is := testutil.NewIs(t)

	s, shutdown := newTestStore(t)
	defer shutdown()

	a := sourced.NewEntityWithID("t1")
	a.DigestEmpty("Created")
	is.NoErr(s.Commit(a))

	// A second fresh entity for the same id expects an empty subject.
	b := sourced.NewEntityWithID("t1")
	b.DigestEmpty("Created")
	is.Err(s.Commit(b), sourced.ErrVersionConflict)
}

func TestStoreAfterSequence(t *testing.T) {
	is := testutil.NewIs(t)

	s, shutdown := newTestStore(t)
	defer shutdown()

	e := sourced.NewEntityWithID("t1")
	for i := 0; i < 5; i++ {
		e.DigestEmpty("Ticked")
	}
	is.NoErr(s.Commit(e))

	loaded, err := s.Get("t1", sourced.AfterSequence(3))
	is.NoErr(err)
	is.True(loaded != nil)
	is.Equal(len(loaded.Events()), 2)
	is.Equal(loaded.Events()[0].Sequence, uint64(4))
	is.Equal(loaded.Version(), uint64(5))
	is.Equal(loaded.SnapshotVersion(), uint64(3))
}

func TestStoreFindNotSupported(t *testing.T) {
	is := testutil.NewIs(t)

	s, shutdown := newTestStore(t)
	defer shutdown()

	_, err := s.Find(func(*sourced.Entity) bool { return true })
	is.Err(err, sourced.ErrNotSupported)
}
