package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iot-ota-sdk/pkg/ota"
)

func TestSyncPriorityOrder(t *testing.T) {
	bus := NewBus(0)
	defer bus.Close()

	var order []string
	record := func(name string) Handler {
		return func(*Event) error {
			order = append(order, name)
			return nil
		}
	}
	bus.SubscribeWithPriority(record("low"), 0, false)
	bus.SubscribeWithPriority(record("high"), 10, false)
	bus.SubscribeWithPriority(record("mid"), 5, false, EventStatus)
	bus.SubscribeWithPriority(record("progress-only"), 20, false, EventProgress)

	if err := bus.Publish(NewStatusEvent(ota.StatusChecking)); err != nil {
		t.Fatal(err)
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}
	if n := bus.SubscriberCount(EventProgress); n != 3 {
		t.Errorf("Expected 3 progress subscribers, got %d", n)
	}
}

func TestSyncErrorsAndPanics(t *testing.T) {
	bus := NewBus(0)
	defer bus.Close()

	called := false
	bus.Subscribe(func(*Event) error { return errors.New("boom") })
	bus.Subscribe(func(*Event) error { panic("bad handler") })
	bus.Subscribe(func(*Event) error { called = true; return nil })

	if err := bus.Publish(NewStatusEvent(ota.StatusIdle)); err == nil {
		t.Error("Expected aggregated handler error")
	}
	if !called {
		t.Error("A failing handler must not stop later handlers")
	}
	if err := bus.Publish(nil); err == nil {
		t.Error("Expected error for nil event")
	}
}

func TestAsyncKeepsOrder(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	var got []float64
	bus.SubscribeAsync(func(e *Event) error {
		mu.Lock()
		got = append(got, e.Percent)
		mu.Unlock()
		return nil
	}, EventProgress)

	for i := 0; i < 10; i++ {
		bus.Publish(NewProgressEvent(uint64(i), 10, float64(i*10)))
	}
	bus.Close()

	if len(got) != 10 {
		t.Fatalf("Expected 10 events after close, got %d", len(got))
	}
	for i, p := range got {
		if p != float64(i*10) {
			t.Fatalf("Events out of order: %v", got)
		}
	}
}

func TestAsyncDropsProgressWhenFull(t *testing.T) {
	bus := NewBus(1)

	release := make(chan struct{})
	var mu sync.Mutex
	received := 0
	bus.SubscribeAsync(func(e *Event) error {
		<-release
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		bus.Publish(NewProgressEvent(uint64(i), 5, float64(i*20)))
	}
	if time.Since(start) > time.Second {
		t.Error("Publishing progress must not block on a full queue")
	}
	close(release)
	bus.Close()

	if received < 1 || received > 2 {
		t.Errorf("Expected one or two delivered events, got %d", received)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(0)
	defer bus.Close()

	count := 0
	id, err := bus.Subscribe(func(*Event) error { count++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	asyncID, _ := bus.SubscribeAsync(func(*Event) error { return nil })

	bus.Publish(NewStatusEvent(ota.StatusIdle))
	bus.Unsubscribe(id)
	bus.Unsubscribe(asyncID)
	bus.Publish(NewStatusEvent(ota.StatusIdle))

	if count != 1 {
		t.Errorf("Expected 1 call, got %d", count)
	}
	if n := bus.SubscriberCount(EventStatus); n != 0 {
		t.Errorf("Expected no subscribers, got %d", n)
	}
}

func TestClosedBus(t *testing.T) {
	bus := NewBus(0)
	bus.Close()
	bus.Close()

	if err := bus.Publish(NewStatusEvent(ota.StatusIdle)); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(func(*Event) error { return nil }); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestCompleteEvent(t *testing.T) {
	e := NewCompleteEvent(false, "MD5 mismatch", "1.2.0")
	if e.Status != ota.StatusFailed || e.State != "failed" || e.ID == "" {
		t.Errorf("Unexpected event %+v", e)
	}
	if e := NewCompleteEvent(true, "", "1.2.0"); e.Status != ota.StatusCompleted {
		t.Errorf("Expected completed status, got %s", e.Status)
	}
}
