package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePatterns(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	actions, unsubActions := b.Subscribe(8, "action.", "auth.failed")
	defer unsubActions()

	for _, typ := range []string{"action.executed", "cycle.finished", "auth.failed", "actionable"} {
		b.Publish(Event{Type: typ})
	}

	if len(all) != 4 {
		t.Fatalf("unfiltered subscriber got %d events, want 4", len(all))
	}
	var got []string
	for len(actions) > 0 {
		e := <-actions
		if e.Time.IsZero() {
			t.Fatal("Publish should stamp Time")
		}
		got = append(got, e.Type)
	}
	if len(got) != 2 || got[0] != "action.executed" || got[1] != "auth.failed" {
		t.Fatalf("filtered subscriber got %v", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if b.Dropped() != 9 {
		t.Fatalf("Dropped = %d, want 9", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
