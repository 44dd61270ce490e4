package sourced

import (
	"errors"
	"testing"
	"time"

	"github.com/sourced-io/sourced/testutil"
)

func TestEntityDigest(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntity()
	is.NoErr(e.SetID("t1"))
	is.Equal(e.Version(), uint64(0))

	rec := e.Digest("Created", []byte("payload"))
	is.Equal(rec.Name, "Created")
	is.Equal(rec.Version, uint32(1))
	is.Equal(rec.Sequence, uint64(1))
	is.Equal(len(e.Pending()), 1)

	// Version advances only on commit.
	is.Equal(e.Version(), uint64(0))

	rec2 := e.Digest("Updated", nil)
	is.Equal(rec2.Sequence, uint64(2))
}

func TestEntityDigestTimestamps(t *testing.T) {
	is := testutil.NewIs(t)

	clk := testutil.NewClock(time.Minute)
	e := NewEntityWithID("t1")
	e.SetClock(clk)

	rec := e.Digest("Created", nil)
	is.Equal(rec.Timestamp, clk.Last().UnixMilli())
}

func TestEntitySetID(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntity()
	is.NoErr(e.SetID("a"))
	is.NoErr(e.SetID("a"))

	err := e.SetID("b")
	is.Err(err, ErrIDMismatch)
	is.Equal(e.ID(), "a")
}

func TestEntityReplayingSuppressesDigest(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntityWithID("t1")
	_ = e.replay(func() error {
		is.True(e.Replaying())
		is.True(e.Digest("Created", nil) == nil)
		e.Enqueue(LocalEvent{Type: "x"})
		return nil
	})
	is.True(!e.Replaying())
	is.Equal(len(e.Pending()), 0)
	is.Equal(e.QueuedLen(), 0)
}

func TestEntityReplayClearsFlagOnError(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntityWithID("t1")
	err := e.replay(func() error {
		return errors.New("boom")
	})
	is.Err(err, nil)
	is.True(!e.Replaying())
}

func TestEntityMetadataCopiedIntoRecords(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntityWithID("t1")
	e.SetCorrelationID("req-abc")
	e.SetCausationID("cmd-xyz")
	e.SetMeta("user_id", "u-42")

	rec := e.Digest("Created", nil)
	is.Equal(rec.CorrelationID(), "req-abc")
	is.Equal(rec.CausationID(), "cmd-xyz")
	is.Equal(rec.Meta("user_id"), "u-42")

	// Later metadata changes must not leak into the digested record.
	e.SetMeta("user_id", "u-43")
	is.Equal(rec.Meta("user_id"), "u-42")

	e.ClearMetadata()
	rec2 := e.Digest("Updated", nil)
	is.True(rec2.Metadata == nil)
	is.Equal(rec2.CorrelationID(), "")
}

func TestEntityLoadHistoryAndMarkCommitted(t *testing.T) {
	is := testutil.NewIs(t)

	src := NewEntityWithID("t1")
	src.Digest("e1", nil)
	src.Digest("e2", nil)

	e := NewEntityWithID("t1")
	e.LoadHistory(src.Pending())
	is.Equal(e.Version(), uint64(2))
	is.Equal(len(e.Pending()), 0)

	rec := e.Digest("e3", nil)
	is.Equal(rec.Sequence, uint64(3))

	e.MarkCommitted()
	is.Equal(e.Version(), uint64(3))
	is.Equal(len(e.Pending()), 0)
	is.Equal(len(e.Events()), 3)
}

func TestEntityEmitQueued(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntityWithID("t1")

	var seen []string
	e.Listen(func(ev LocalEvent) { seen = append(seen, "a:"+ev.Type) })
	e.Listen(func(ev LocalEvent) { seen = append(seen, "b:"+ev.Type) })

	e.Enqueue(LocalEvent{Type: "First"})
	e.Enqueue(LocalEvent{Type: "Second"})
	is.Equal(e.QueuedLen(), 2)

	e.EmitQueued()
	is.Equal(seen, []string{"a:First", "b:First", "a:Second", "b:Second"})
	is.Equal(e.QueuedLen(), 0)

	// Emitting again delivers nothing.
	e.EmitQueued()
	is.Equal(len(seen), 4)
}

func TestEntityClearQueued(t *testing.T) {
	is := testutil.NewIs(t)

	e := NewEntityWithID("t1")
	var fired int
	e.Listen(func(LocalEvent) { fired++ })

	e.Enqueue(LocalEvent{Type: "X"})
	e.ClearQueued()
	e.EmitQueued()
	is.Equal(fired, 0)
}

func TestEventRecordClone(t *testing.T) {
	is := testutil.NewIs(t)

	rec := &EventRecord{
		Name:     "e",
		Version:  1,
		Payload:  []byte{1, 2},
		Sequence: 1,
		Metadata: map[string]string{"k": "v"},
	}
	c := rec.Clone()
	c.Payload[0] = 9
	c.Metadata["k"] = "w"

	is.Equal(rec.Payload, []byte{1, 2})
	is.Equal(rec.Meta("k"), "v")
}
