package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingTopicOnly(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue")
	defer unsub()

	b.Publish(context.Background(), "downloads", "download.progress", nil)
	b.Publish(context.Background(), "queue", "job.failed", "boom")

	select {
	case evt := <-ch:
		assert.Equal(t, "queue", evt.Topic)
		assert.Equal(t, "job.failed", evt.Type)
		assert.Equal(t, "boom", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected an event on the queue topic")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event on filtered subscription: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeWithNoTopicsReceivesEverything(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(context.Background(), "generations", "job.progress", 0.5)
	b.Publish(context.Background(), "downloads", "download.completed", nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			seen[evt.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("expected two events")
		}
	}
	assert.True(t, seen["generations"])
	assert.True(t, seen["downloads"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue")
	unsub()

	b.Publish(context.Background(), "queue", "job.failed", nil)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestPublishDropsWhenSubscriberBufferIsFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue")
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(context.Background(), "queue", "job.failed", i)
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			require.LessOrEqual(t, count, subscriberBuffer)
			return
		}
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.SubscriberCount())
	_, unsub := b.Subscribe("queue")
	assert.Equal(t, 1, b.SubscriberCount())
	unsub()
	assert.Equal(t, 0, b.SubscriberCount())
}
