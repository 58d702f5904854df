package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitStampsTimestamp(t *testing.T) {
	var got Event
	Emit(func(ev Event) { got = ev }, Event{Type: TypePhase, Phase: PhaseExecuting})
	assert.Equal(t, TypePhase, got.Type)
	assert.False(t, got.Timestamp.IsZero())
}

func TestEmitSurvivesPanickingConsumer(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(func(Event) { panic("consumer bug") }, Event{Type: TypeError})
	})
}

func TestEmitNilEmitter(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(nil, Event{Type: TypeComplete})
		Phase(nil, "s", PhaseQueued, "")
	})
}

func TestHubSessionFiltering(t *testing.T) {
	h := NewHub(nil)
	all := h.Subscribe("")
	only := h.Subscribe("sess-1")
	defer h.Unsubscribe(all)
	defer h.Unsubscribe(only)

	h.Publish(Event{Type: TypePhase, SessionID: "sess-1"})
	h.Publish(Event{Type: TypePhase, SessionID: "sess-2"})

	assert.Len(t, all.Events(), 2)
	require.Len(t, only.Events(), 1)
	ev := <-only.Events()
	assert.Equal(t, "sess-1", ev.SessionID)
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe("")
	defer h.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(Event{Type: TypeResponseChunk, Message: string(rune('a' + i%26))})
	}
	assert.Len(t, sub.Events(), subscriberBuffer)

	// The first events were shed, not the last.
	first := <-sub.Events()
	assert.NotEqual(t, "a", first.Message)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe("")
	h.Unsubscribe(sub)
	assert.NotPanics(t, func() { h.Unsubscribe(sub) })
	assert.Zero(t, h.SubscriberCount())

	// Publishing after unsubscribe must not panic on the closed channel.
	assert.NotPanics(t, func() { h.Publish(Event{Type: TypePhase}) })
}
