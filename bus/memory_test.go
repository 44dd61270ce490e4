package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/sourced-io/sourced/testutil"
)

func TestMemoryBusFanOut(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()

	r1, err := b.Subscribe("OrderCreated")
	is.NoErr(err)
	r2, err := b.Subscribe("OrderCreated")
	is.NoErr(err)
	r3, err := b.Subscribe("PaymentFailed")
	is.NoErr(err)

	is.NoErr(b.Publish(Event{ID: "e1", Type: "OrderCreated", Payload: []byte("{}")}))

	ev, err := r1.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.True(ev != nil)
	is.Equal(ev.Type, "OrderCreated")

	ev, err = r2.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.True(ev != nil)

	// Non-matching subscriber sees nothing.
	ev, err = r3.Recv(50 * time.Millisecond)
	is.NoErr(err)
	is.True(ev == nil)
}

func TestMemoryBusSubscriberFilter(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()
	r, err := b.Subscribe("OrderCreated")
	is.NoErr(err)

	is.NoErr(b.Publish(Event{ID: "e1", Type: "OrderCreated"}))
	is.NoErr(b.Publish(Event{ID: "e2", Type: "PaymentFailed"}))
	is.NoErr(b.Publish(Event{ID: "e3", Type: "OrderCreated"}))

	ev, err := r.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(ev.ID, "e1")

	ev, err = r.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(ev.ID, "e3")
}

func TestMemoryBusSubscribeAll(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()
	r, err := b.Subscribe()
	is.NoErr(err)

	is.NoErr(b.Publish(Event{ID: "e1", Type: "A"}))
	is.NoErr(b.Publish(Event{ID: "e2", Type: "B"}))

	ev, err := r.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(ev.ID, "e1")
	ev, err = r.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(ev.ID, "e2")
}

func TestMemoryBusSendListenExclusivity(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()

	const n = 20
	for i := 0; i < n; i++ {
		is.NoErr(b.Send("work", Event{ID: "e", Type: "Job"}))
	}

	// Competing listeners split the queue; every event is delivered to
	// exactly one of them.
	var (
		mu    sync.Mutex
		total int
	)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := b.Listen("work", 100*time.Millisecond)
				is.NoErr(err)
				if ev == nil {
					return
				}
				is.Equal(ev.Destination, "work")
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	is.Equal(total, n)
}

func TestMemoryBusListenTimeout(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()
	start := time.Now()
	ev, err := b.Listen("empty", 50*time.Millisecond)
	is.NoErr(err)
	is.True(ev == nil)
	is.True(time.Since(start) >= 50*time.Millisecond)
}

func TestMemoryBusListenBlocksUntilSend(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()

	got := make(chan *Event, 1)
	go func() {
		ev, err := b.Listen("work", time.Second)
		is.NoErr(err)
		got <- ev
	}()

	time.Sleep(20 * time.Millisecond)
	is.NoErr(b.Send("work", Event{ID: "e1", Type: "Job"}))

	select {
	case ev := <-got:
		is.True(ev != nil)
		is.Equal(ev.ID, "e1")
	case <-time.After(time.Second):
		t.Fatal("listener never woke")
	}
}

func TestMemoryBusClosedReceiver(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()
	r, err := b.Subscribe("A")
	is.NoErr(err)
	is.NoErr(r.Close())

	_, err = r.Recv(10 * time.Millisecond)
	is.Err(err, ErrClosed)

	// Publishing after detach does not deliver to the closed receiver.
	is.NoErr(b.Publish(Event{ID: "e1", Type: "A"}))
}

func TestMemoryBusTestHelpers(t *testing.T) {
	is := testutil.NewIs(t)

	b := NewMemoryBus()
	is.NoErr(b.Publish(Event{ID: "e1", Type: "A"}))
	is.NoErr(b.Publish(Event{ID: "e2", Type: "B"}))

	is.Equal(b.EventTypes(), []string{"A", "B"})
	is.Equal(len(b.Events()), 2)

	found := b.FindByType("B")
	is.True(found != nil)
	is.Equal(found.ID, "e2")
	is.True(b.FindByType("C") == nil)

	b.Clear()
	is.Equal(len(b.Events()), 0)
}
