package model

import (
	"errors"
	"testing"

	"github.com/sourced-io/sourced/testutil"
)

type userView struct {
	ID    string `msgpack:"id"`
	Name  string `msgpack:"name"`
	Email string `msgpack:"email"`
}

func (v *userView) Collection() string { return "user_views" }
func (v *userView) ModelID() string    { return v.ID }

func TestMemoryStoreInsert(t *testing.T) {
	is := testutil.NewIs(t)

	s := NewMemoryStore()

	rec, err := s.Insert(&userView{ID: "u1", Name: "Ada"})
	is.NoErr(err)
	is.Equal(rec.Version, uint64(1))

	_, err = s.Insert(&userView{ID: "u1", Name: "Ada"})
	is.Err(err, ErrAlreadyExists)
}

func TestMemoryStoreUpsertBumpsVersion(t *testing.T) {
	is := testutil.NewIs(t)

	s := NewMemoryStore()

	rec, err := s.Upsert(&userView{ID: "u1", Name: "Ada"})
	is.NoErr(err)
	is.Equal(rec.Version, uint64(1))

	rec, err = s.Upsert(&userView{ID: "u1", Name: "Ada L."})
	is.NoErr(err)
	is.Equal(rec.Version, uint64(2))

	got, err := s.Get("user_views", "u1")
	is.NoErr(err)
	var v userView
	is.NoErr(s.Decode(got, &v))
	is.Equal(v.Name, "Ada L.")
}

func TestMemoryStoreUpdateOptimistic(t *testing.T) {
	is := testutil.NewIs(t)

	s := NewMemoryStore()
	_, err := s.Insert(&userView{ID: "u1", Name: "Ada"})
	is.NoErr(err)

	rec, err := s.Update(&userView{ID: "u1", Name: "Ada L."}, 1)
	is.NoErr(err)
	is.Equal(rec.Version, uint64(2))

	_, err = s.Update(&userView{ID: "u1", Name: "stale"}, 1)
	is.Err(err, ErrVersionConflict)

	var conflict *VersionConflictError
	is.True(errors.As(err, &conflict))
	is.Equal(conflict.Expected, uint64(1))
	is.Equal(conflict.Actual, uint64(2))

	// Updating a missing record conflicts with actual version 0.
	_, err = s.Update(&userView{ID: "ghost"}, 1)
	is.Err(err, ErrVersionConflict)
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	is := testutil.NewIs(t)

	s := NewMemoryStore()
	_, err := s.Insert(&userView{ID: "u1"})
	is.NoErr(err)

	ok, err := s.Delete("user_views", "u1")
	is.NoErr(err)
	is.True(ok)

	ok, err = s.Delete("user_views", "u1")
	is.NoErr(err)
	is.True(!ok)
}

func TestMemoryStoreFind(t *testing.T) {
	is := testutil.NewIs(t)

	s := NewMemoryStore()
	for _, v := range []*userView{
		{ID: "u1", Name: "Ada"},
		{ID: "u2", Name: "Grace"},
		{ID: "u3", Name: "Ada"},
	} {
		_, err := s.Insert(v)
		is.NoErr(err)
	}

	adas, err := s.Find("user_views", func(rec *Versioned) bool {
		var v userView
		if err := s.Decode(rec, &v); err != nil {
			return false
		}
		return v.Name == "Ada"
	})
	is.NoErr(err)
	is.Equal(len(adas), 2)

	none, err := s.FindOne("user_views", func(rec *Versioned) bool { return false })
	is.NoErr(err)
	is.True(none == nil)

	// Collections are disjoint namespaces.
	other, err := s.Find("other", func(*Versioned) bool { return true })
	is.NoErr(err)
	is.Equal(len(other), 0)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	is := testutil.NewIs(t)

	s := NewMemoryStore()
	rec, err := s.Get("user_views", "nope")
	is.NoErr(err)
	is.True(rec == nil)
}
