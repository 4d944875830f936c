package eventsourcing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/sagakit/events"
)

// eventCollector потокобезопасно накапливает доставленные события
type eventCollector struct {
	mu     sync.Mutex
	events []StoredEvent
}

func (c *eventCollector) handle(ctx context.Context, event StoredEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) snapshot() []StoredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]StoredEvent, len(c.events))
	copy(result, c.events)
	return result
}

func (c *eventCollector) waitFor(t *testing.T, count int) []StoredEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := c.snapshot()
		if len(got) >= count {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", count, len(c.snapshot()))
	return nil
}

func TestSubscribeDeliversNewEvents(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()
	collector := &eventCollector{}

	sub, err := store.Subscribe(ctx, nil, collector.handle, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if _, err := store.AppendEvents(ctx, "acc-1", "Account", 0, []events.Event{
		newDepositEvent("acc-1", 100),
		newWithdrawEvent("acc-1", 30),
	}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	got := collector.waitFor(t, 2)
	if got[0].EventType != "account.deposited" || got[1].EventType != "account.withdrawn" {
		t.Errorf("events delivered out of order: %s, %s", got[0].EventType, got[1].EventType)
	}
	if got[0].Position >= got[1].Position {
		t.Errorf("expected delivery in global position order")
	}
}

func TestSubscribeFromPosition(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()

	if _, err := store.AppendEvents(ctx, "acc-1", "Account", 0, []events.Event{
		newDepositEvent("acc-1", 100),
		newDepositEvent("acc-1", 50),
		newDepositEvent("acc-1", 25),
	}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	collector := &eventCollector{}
	sub, err := store.Subscribe(ctx, nil, collector.handle, 1)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	// События с позицией выше fromPosition доставляются как backfill
	got := collector.waitFor(t, 2)
	if got[0].Position != 2 || got[1].Position != 3 {
		t.Errorf("expected positions 2 and 3, got %d and %d", got[0].Position, got[1].Position)
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()
	collector := &eventCollector{}

	sub, err := store.Subscribe(ctx, []string{"account.withdrawn"}, collector.handle, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if _, err := store.AppendEvents(ctx, "acc-1", "Account", 0, []events.Event{
		newDepositEvent("acc-1", 100),
		newWithdrawEvent("acc-1", 30),
		newDepositEvent("acc-1", 50),
	}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	got := collector.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	got = collector.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected only withdrawn events, got %d events", len(got))
	}
	if got[0].EventType != "account.withdrawn" {
		t.Errorf("expected account.withdrawn, got %s", got[0].EventType)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()
	collector := &eventCollector{}

	sub, err := store.Subscribe(ctx, nil, collector.handle, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := store.AppendEvents(ctx, "acc-1", "Account", 0, []events.Event{newDepositEvent("acc-1", 100)}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}
	collector.waitFor(t, 1)

	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel not closed after Cancel")
	}

	// Повторный Cancel безопасен
	sub.Cancel()

	if _, err := store.AppendEvents(ctx, "acc-1", "Account", 1, []events.Event{newDepositEvent("acc-1", 50)}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := collector.snapshot(); len(got) != 1 {
		t.Errorf("expected no delivery after cancel, got %d events", len(got))
	}
}

func TestSubscribeHandlerErrorDoesNotStopDelivery(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var delivered []int64
	handler := func(ctx context.Context, event StoredEvent) error {
		mu.Lock()
		delivered = append(delivered, event.Position)
		mu.Unlock()
		if event.Position == 1 {
			return fmt.Errorf("handler failure")
		}
		return nil
	}

	sub, err := store.Subscribe(ctx, nil, handler, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if _, err := store.AppendEvents(ctx, "acc-1", "Account", 0, []events.Event{
		newDepositEvent("acc-1", 100),
		newDepositEvent("acc-1", 50),
	}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := len(delivered)
		mu.Unlock()
		if count >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delivery stopped after handler error")
}

func TestSubscribeContextCancellation(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx, cancel := context.WithCancel(context.Background())
	collector := &eventCollector{}

	sub, err := store.Subscribe(ctx, nil, collector.handle, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not stopped after context cancellation")
	}
}
