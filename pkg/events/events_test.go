package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{RunID: "run-1", Type: EventStackFailed, Stack: "web"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case e := <-sub:
			assert.Equal(t, EventStackFailed, e.Type)
			assert.Equal(t, "web", e.Stack)
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBrokerStopDrainsAndCloses(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Start()

	b.Publish(&Event{Type: EventPhaseEntered, Message: "detecting"})
	b.Publish(&Event{Type: EventDeploymentFinished})
	b.Stop()

	var got []EventType
	for e := range sub {
		got = append(got, e.Type)
	}
	assert.Equal(t, []EventType{EventPhaseEntered, EventDeploymentFinished}, got)
	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing and stopping after Stop are no-ops
	b.Publish(&Event{Type: EventPhaseEntered})
	b.Stop()
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	require.False(t, open)
}

func TestBrokerFilteredSubscriber(t *testing.T) {
	b := NewBroker()
	failures := b.Subscribe(EventStackFailed)
	b.Start()

	b.Publish(&Event{Type: EventStackSucceeded, Stack: "web"})
	b.Publish(&Event{Type: EventStackFailed, Stack: "api"})
	b.Publish(&Event{Type: EventDeploymentFinished})
	b.Stop()

	var stacks []string
	for e := range failures {
		stacks = append(stacks, e.Stack)
	}
	assert.Equal(t, []string{"api"}, stacks)
}

func TestBrokerCountsDroppedEvents(t *testing.T) {
	b := NewBroker()
	_ = b.Subscribe()
	b.Start()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(&Event{Type: EventHealthVerdict})
	}
	b.Stop()

	assert.Equal(t, int64(5), b.Dropped())
}
