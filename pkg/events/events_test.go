package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

// TestPublishSubscribe tests basic event delivery
func TestPublishSubscribe(t *testing.T) {
	b := newBroker(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Emit(EventBatchCreated, "tenant-aaaa", "batch created", map[string]string{"batch_id": "1"})

	event := receive(t, sub)
	assert.Equal(t, EventBatchCreated, event.Type)
	assert.Equal(t, "tenant-aaaa", event.TenantID)
	assert.Equal(t, "batch created", event.Message)
	assert.Equal(t, "1", event.Metadata["batch_id"])
	assert.NotEmpty(t, event.ID, "ids are assigned on publish")
	assert.False(t, event.Timestamp.IsZero())
}

// TestMultipleSubscribers tests fan-out
func TestMultipleSubscribers(t *testing.T) {
	b := newBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	require.Equal(t, 2, b.SubscriberCount())

	b.Emit(EventWorkersStarted, "tenant-aaaa", "workers started", nil)

	assert.Equal(t, EventWorkersStarted, receive(t, sub1).Type)
	assert.Equal(t, EventWorkersStarted, receive(t, sub2).Type)
}

// TestUnsubscribe tests subscription teardown
func TestUnsubscribe(t *testing.T) {
	b := newBroker(t)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	assert.Zero(t, b.SubscriberCount())
	_, open := <-sub
	assert.False(t, open, "unsubscribed channel is closed")
}

// TestSlowSubscriberDropped tests that a full subscriber never blocks the broker
func TestSlowSubscriberDropped(t *testing.T) {
	b := newBroker(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Overflow the per-subscriber buffer without draining.
	for i := 0; i < 200; i++ {
		b.Emit(EventRecordSettled, "tenant-aaaa", "settled", nil)
	}

	// The broker is still responsive. The fresh subscriber may catch the
	// tail of the flood before the marker arrives.
	fresh := b.Subscribe()
	defer b.Unsubscribe(fresh)
	b.Emit(EventWorkersStopped, "tenant-aaaa", "stopped", nil)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-fresh:
			if event.Type == EventWorkersStopped {
				return
			}
		case <-deadline:
			t.Fatal("marker event never arrived")
		}
	}
}
