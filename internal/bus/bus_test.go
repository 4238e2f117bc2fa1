package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: "session.state_changed", InstanceID: "biz1", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "session.state_changed" {
			t.Errorf("got kind %q, want session.state_changed", evt.Kind)
		}
		if evt.InstanceID != "biz1" {
			t.Errorf("got instance %q, want biz1", evt.InstanceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: "session.state_changed"})
	b.Publish(Event{Kind: "message.upsert"})

	select {
	case evt := <-ch:
		if evt.Kind != "message.upsert" {
			t.Errorf("got kind %q, want message.upsert", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestInstanceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeInstance("message.", "biz1", 10)
	defer unsub()

	b.Publish(Event{Kind: "message.upsert", InstanceID: "biz2"})
	b.Publish(Event{Kind: "message.upsert", InstanceID: "biz1"})

	select {
	case evt := <-ch:
		if evt.InstanceID != "biz1" {
			t.Errorf("got instance %q, want biz1", evt.InstanceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: "session.state_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
