package events

import (
	"context"
	"testing"
	"time"
)

func TestPublishRunsHandlersInSubscriptionOrder(t *testing.T) {
	bus := New()
	var order []int
	bus.Subscribe(TopicCartChanged, func(Event) { order = append(order, 1) })
	bus.Subscribe(TopicCartChanged, func(Event) { order = append(order, 2) })
	bus.Subscribe(TopicSessionChanged, func(Event) { order = append(order, 99) })

	bus.Publish(TopicCartChanged, nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected handler order: %v", order)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	calls := 0
	unsubscribe := bus.Subscribe(TopicCartChanged, func(Event) { calls++ })
	other := 0
	bus.Subscribe(TopicCartChanged, func(Event) { other++ })

	unsubscribe()
	unsubscribe()
	bus.Publish(TopicCartChanged, nil)

	if calls != 0 || other != 1 {
		t.Fatalf("calls=%d other=%d, want 0 and 1", calls, other)
	}
}

func TestHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	bus := New()
	calls := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe(TopicCartChanged, func(Event) {
		calls++
		unsubscribe()
	})
	bus.Publish(TopicCartChanged, nil)
	bus.Publish(TopicCartChanged, nil)
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestRemoteChangesAreRepublishedButOwnChangesAreNot(t *testing.T) {
	relay := NewMemoryRelay()
	tabA := New(WithOrigin("tab-a"))
	tabB := New(WithOrigin("tab-b"))
	ctx := context.Background()
	if err := tabA.Attach(ctx, relay); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if err := tabB.Attach(ctx, relay); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	defer tabA.Close()
	defer tabB.Close()

	gotA := make(chan Event, 4)
	gotB := make(chan Event, 4)
	tabA.Subscribe(TopicStorageChanged, func(ev Event) { gotA <- ev })
	tabB.Subscribe(TopicStorageChanged, func(ev Event) { gotB <- ev })

	tabA.NotifyStorageChange("cart")

	select {
	case ev := <-gotB:
		change, ok := ev.Payload.(StorageChange)
		if !ok || change.Key != "cart" || change.Origin != "tab-a" || !ev.Remote {
			t.Fatalf("unexpected event in tab b: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tab b never saw the change")
	}
	select {
	case ev := <-gotA:
		t.Fatalf("writer must not observe its own change: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAttachTwiceFails(t *testing.T) {
	bus := New()
	relay := NewMemoryRelay()
	if err := bus.Attach(context.Background(), relay); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer bus.Close()
	if err := bus.Attach(context.Background(), relay); err == nil {
		t.Fatalf("expected second attach to fail")
	}
}

func TestNotifyWithoutRelayIsNoop(t *testing.T) {
	bus := New()
	bus.NotifyStorageChange("cart")
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
