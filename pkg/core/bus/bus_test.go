package bus

import (
	"context"
	"testing"
	"time"
)

type testEvent struct {
	kind string
	n    int
}

func newTestBus() *Bus[testEvent] {
	return New(func(e testEvent) string { return e.kind }, nil)
}

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	var got []string
	b.On("tick", func(e testEvent) { got = append(got, "first") })
	b.On("tick", func(e testEvent) { got = append(got, "second") })
	b.On("other", func(e testEvent) { got = append(got, "other") })

	b.Publish(testEvent{kind: "tick"})

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("got=%v, want [first second]", got)
	}
}

func TestBus_OffRemovesOnlyThatHandler(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	calls := 0
	sub := b.On("tick", func(e testEvent) { calls += 10 })
	b.On("tick", func(e testEvent) { calls++ })

	if !b.Off(sub) {
		t.Fatalf("Off returned false for a registered handler")
	}
	if b.Off(sub) {
		t.Fatalf("second Off returned true")
	}
	b.Publish(testEvent{kind: "tick"})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	if n := b.Len("tick"); n != 1 {
		t.Fatalf("Len=%d, want 1", n)
	}
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	delivered := false
	b.On("tick", func(e testEvent) { panic("boom") })
	b.On("tick", func(e testEvent) { delivered = true })

	b.Publish(testEvent{kind: "tick"})
	if !delivered {
		t.Fatalf("second handler was not called after first panicked")
	}
}

func TestBus_HandlerMayUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	calls := 0
	var sub Subscription
	sub = b.On("tick", func(e testEvent) {
		calls++
		b.Off(sub)
	})

	b.Publish(testEvent{kind: "tick"})
	b.Publish(testEvent{kind: "tick"})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestBus_SubscribeReceivesAllKeysUntilCanceled(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, 4)

	b.Publish(testEvent{kind: "a", n: 1})
	b.Publish(testEvent{kind: "b", n: 2})

	for want := 1; want <= 2; want++ {
		select {
		case ev := <-ch:
			if ev.n != want {
				t.Fatalf("n=%d, want %d", ev.n, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestBus_ClearDropsHandlers(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	called := false
	b.On("tick", func(e testEvent) { called = true })
	b.Clear()
	b.Publish(testEvent{kind: "tick"})
	if called {
		t.Fatalf("handler called after Clear")
	}
}
