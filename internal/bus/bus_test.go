package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/volteec/volteec-server/internal/model"
)

func TestPublish_ReachesAllSubscribers(t *testing.T) {
	b := New()
	var count atomic.Int64
	for i := 0; i < 5; i++ {
		if _, err := b.Subscribe(func(Event) { count.Add(1) }); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	b.Publish(Event{Type: EventMetricsUpdate})
	if got := count.Load(); got != 5 {
		t.Errorf("deliveries: got %d, want 5", got)
	}
}

func TestPublish_WaitsForHandlers(t *testing.T) {
	b := New()
	var done atomic.Bool
	if _, err := b.Subscribe(func(Event) {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(Event{Type: EventStatusChange})
	if !done.Load() {
		t.Error("Publish returned before handler finished")
	}
}

func TestSubscribe_LimitExceeded(t *testing.T) {
	b := New()
	for i := 0; i < MaxSubscribers; i++ {
		if _, err := b.Subscribe(func(Event) {}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	_, err := b.Subscribe(func(Event) {})
	if !errors.Is(err, ErrSubscriberLimit) {
		t.Fatalf("error: got %v, want ErrSubscriberLimit", err)
	}
	if b.Len() != MaxSubscribers {
		t.Errorf("len: got %d, want %d", b.Len(), MaxSubscribers)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	id, err := b.Subscribe(func(Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	if b.Len() != 0 {
		t.Errorf("len: got %d, want 0", b.Len())
	}
}

func TestUnsubscribe_NoDeliveryAfterReturn(t *testing.T) {
	b := New()
	var delivered atomic.Int64
	id, err := b.Subscribe(func(Event) {
		time.Sleep(20 * time.Millisecond)
		delivered.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Publish(Event{Type: EventMetricsUpdate})
	}()

	// Give Publish a moment to take the lock, then unsubscribe; the call must
	// block until the in-flight delivery completes.
	time.Sleep(5 * time.Millisecond)
	b.Unsubscribe(id)
	after := delivered.Load()

	b.Publish(Event{Type: EventMetricsUpdate})
	if delivered.Load() != after {
		t.Error("handler invoked after Unsubscribe returned")
	}
	wg.Wait()
}

func TestEventCarriesSnapshot(t *testing.T) {
	b := New()
	var got Event
	if _, err := b.Subscribe(func(ev Event) { got = ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	raw := "OB LB"
	u := &model.UPS{UPSID: "ups1", Status: model.StatusOnBattery, StatusRaw: &raw}
	b.Publish(Event{Type: EventStatusChange, UPS: u, HasLowBattery: u.HasLowBattery()})

	if got.UPS == nil || got.UPS.UPSID != "ups1" {
		t.Fatalf("event ups: got %+v", got.UPS)
	}
	if !got.HasLowBattery {
		t.Error("hasLowBattery: got false, want true")
	}
}
