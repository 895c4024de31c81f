package relaygraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHubRoutesByGraph(t *testing.T) {
	t.Parallel()
	hub := NewEventHub()
	acme, cancelAcme := hub.Subscribe("acme")
	defer cancelAcme()
	other, cancelOther := hub.Subscribe("other")
	defer cancelOther()

	hub.Publish(Event{Type: EventNodeUpdated, GraphID: "acme", NodeID: "ADR-001"})

	select {
	case ev := <-acme:
		assert.Equal(t, "ADR-001", ev.NodeID)
		assert.False(t, ev.At.IsZero())
	default:
		t.Fatal("expected an event for acme")
	}
	select {
	case ev := <-other:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEventHubDropsSlowSubscriber(t *testing.T) {
	t.Parallel()
	hub := NewEventHub()
	events, cancel := hub.Subscribe("acme")
	defer cancel()

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(Event{Type: EventNodeSynced, GraphID: "acme"})
	}
	received := 0
	for range events {
		received++
	}
	assert.Equal(t, subscriberBuffer, received, "channel closes after the buffer overflows")
}

func TestEventHubCancelClosesChannel(t *testing.T) {
	t.Parallel()
	hub := NewEventHub()
	events, cancel := hub.Subscribe("acme")
	cancel()
	cancel()
	_, open := <-events
	require.False(t, open)

	var nilHub *EventHub
	nilHub.Publish(Event{GraphID: "acme"})
}
