package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zerolog.Nop())
	t.Cleanup(b.Close)
	return b
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.Subscribe("order", nil, func(ev Event) error {
		mu.Lock()
		got = append(got, ev.ID)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
		return nil
	})

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("ev-%03d", i)
		want = append(want, id)
		b.Publish(Event{ID: id, Type: TaskCreated})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deliveries did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, got, "per-subscriber order must equal publication order")
}

func TestTypeFiltering(t *testing.T) {
	b := testBus(t)

	matched := make(chan EventType, 4)
	b.Subscribe("filtered", []EventType{TaskCompleted}, func(ev Event) error {
		matched <- ev.Type
		return nil
	})

	b.PublishType(TaskCreated, "test", "", nil)
	b.PublishType(TaskCompleted, "test", "", nil)
	b.PublishType(TaskFailed, "test", "", nil)

	select {
	case got := <-matched:
		require.Equal(t, TaskCompleted, got)
	case <-time.After(2 * time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case got := <-matched:
		t.Fatalf("unexpected extra delivery %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResubscribeReplacesFilter(t *testing.T) {
	b := testBus(t)

	first := make(chan struct{}, 8)
	b.Subscribe("dup", []EventType{TaskCreated}, func(Event) error {
		first <- struct{}{}
		return nil
	})
	second := make(chan struct{}, 8)
	b.Subscribe("dup", []EventType{TaskCreated}, func(Event) error {
		second <- struct{}{}
		return nil
	})

	b.PublishType(TaskCreated, "test", "", nil)

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler not invoked")
	}
	select {
	case <-first:
		t.Fatal("stale handler still receiving")
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, 1, b.SubscriberCount())
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewWithBuffer(zerolog.Nop(), 4)
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	b.Subscribe("slow", []EventType{TaskCreated}, func(ev Event) error {
		<-release
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
		return nil
	})

	// First event parks the delivery goroutine; the queue then holds four
	// more. Publishing past that drops from the head.
	for i := 0; i < 8; i++ {
		b.Publish(Event{ID: "ev" + string(rune('0'+i)), Type: TaskCreated})
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	require.Less(t, len(seen), 8, "overflow should have dropped events")
	require.Equal(t, "ev7", seen[len(seen)-1], "newest event survives a full queue")
}

func TestSubscriberCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	calls := 0
	b.Subscribe("flaky", []EventType{TaskCreated}, func(Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("handler broken")
	})

	for i := 0; i < 10; i++ {
		b.PublishType(TaskCreated, "test", "", nil)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= subscriberFailureLimit
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, subscriberFailureLimit, calls,
		"circuit should drop deliveries after the failure limit")
}

func TestHandlerPanicDoesNotKillDelivery(t *testing.T) {
	b := testBus(t)

	got := make(chan struct{}, 2)
	first := true
	b.Subscribe("panicky", []EventType{TaskCreated}, func(Event) error {
		if first {
			first = false
			panic("boom")
		}
		got <- struct{}{}
		return nil
	})

	b.PublishType(TaskCreated, "test", "", nil)
	b.PublishType(TaskCreated, "test", "", nil)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery loop died after handler panic")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(zerolog.Nop())
	delivered := make(chan struct{}, 1)
	b.Subscribe("late", nil, func(Event) error {
		delivered <- struct{}{}
		return nil
	})
	b.Close()
	b.PublishType(TaskCreated, "test", "", nil)
	select {
	case <-delivered:
		t.Fatal("delivery after close")
	case <-time.After(100 * time.Millisecond):
	}
}
