package sourced

import (
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestQueuedRepositorySerializesPerKey(t *testing.T) {
	is := is.New(t)

	repo := NewQueuedRepository(NewMemoryRepository())

	todo := NewTodo()
	is.NoErr(todo.Initialize("t1", "u1", "ship"))
	is.NoErr(repo.Commit(todo.Entity()))

	// Two writers race on the same id; the queue serializes them so
	// both commits land and no events are dropped.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := repo.Get("t1")
			is.NoErr(err)
			e.DigestEmpty("Touched")
			is.NoErr(repo.Commit(e))
		}()
	}
	wg.Wait()

	e, err := repo.Peek("t1")
	is.NoErr(err)
	is.Equal(e.Version(), uint64(3))
}

func TestQueuedRepositorySecondGetBlocks(t *testing.T) {
	is := is.New(t)

	repo := NewQueuedRepository(NewMemoryRepository())

	todo := NewTodo()
	is.NoErr(todo.Initialize("t1", "u1", "ship"))
	is.NoErr(repo.Commit(todo.Entity()))

	first, err := repo.Get("t1")
	is.NoErr(err)

	acquired := make(chan struct{})
	go func() {
		e, err := repo.Get("t1")
		is.NoErr(err)
		close(acquired)
		is.NoErr(repo.Commit(e))
	}()

	select {
	case <-acquired:
		t.Fatal("second get acquired while first held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	is.NoErr(repo.Commit(first))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second get never acquired after commit")
	}
}

func TestQueuedRepositoryAbortReleases(t *testing.T) {
	is := is.New(t)

	repo := NewQueuedRepository(NewMemoryRepository())

	todo := NewTodo()
	is.NoErr(todo.Initialize("t1", "u1", "ship"))
	is.NoErr(repo.Commit(todo.Entity()))

	e, err := repo.Get("t1")
	is.NoErr(err)
	_ = e
	is.NoErr(repo.Abort("t1"))

	done := make(chan struct{})
	go func() {
		e, err := repo.Get("t1")
		is.NoErr(err)
		is.NoErr(repo.Commit(e))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released by abort")
	}
}

func TestQueuedRepositoryReleasesOnFailedCommit(t *testing.T) {
	is := is.New(t)

	inner := NewMemoryRepository()
	repo := NewQueuedRepository(inner)

	todo := NewTodo()
	is.NoErr(todo.Initialize("t1", "u1", "ship"))
	is.NoErr(repo.Commit(todo.Entity()))

	e, err := repo.Get("t1")
	is.NoErr(err)

	// Bypass the queue to advance the stored version underneath.
	cheat, err := inner.Get("t1")
	is.NoErr(err)
	cheat.DigestEmpty("Touched")
	is.NoErr(inner.Commit(cheat))

	e.DigestEmpty("Touched")
	err = repo.Commit(e)
	is.True(IsVersionConflict(err))

	// The lock must be free again despite the failure.
	done := make(chan struct{})
	go func() {
		e2, err := repo.Get("t1")
		is.NoErr(err)
		is.NoErr(repo.Commit(e2))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released by failed commit")
	}
}

func TestQueuedRepositoryMissingIDHoldsLock(t *testing.T) {
	is := is.New(t)

	repo := NewQueuedRepository(NewMemoryRepository())

	e, err := repo.Get("fresh")
	is.NoErr(err)
	is.True(e == nil)

	// Creating and committing under the held lock releases it.
	todo := NewTodo()
	is.NoErr(todo.Initialize("fresh", "u1", "task"))
	is.NoErr(repo.Commit(todo.Entity()))

	done := make(chan struct{})
	go func() {
		_, err := repo.Get("fresh")
		is.NoErr(err)
		is.NoErr(repo.Abort("fresh"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released by commit of a new id")
	}
}

func TestQueuedRepositoryDisjointKeysDoNotContend(t *testing.T) {
	is := is.New(t)

	repo := NewQueuedRepository(NewMemoryRepository())

	a := NewTodo()
	is.NoErr(a.Initialize("a", "u", "one"))
	is.NoErr(repo.Commit(a.Entity()))
	b := NewTodo()
	is.NoErr(b.Initialize("b", "u", "two"))
	is.NoErr(repo.Commit(b.Entity()))

	ea, err := repo.Get("a")
	is.NoErr(err)

	done := make(chan struct{})
	go func() {
		eb, err := repo.Get("b")
		is.NoErr(err)
		is.NoErr(repo.Commit(eb))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("get on a different key blocked")
	}
	is.NoErr(repo.Commit(ea))
}
