package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEmitDeliversToMatchingSubscribers(t *testing.T) {
	em := NewEmitter(nil)

	var got []EventType
	em.Subscribe(func(ev Event) { got = append(got, ev.Type) }, EventUserCreated, EventBetMarked)

	em.Emit(Event{Type: EventUserCreated})
	em.Emit(Event{Type: EventPoolRefilled})
	em.Emit(Event{Type: EventBetMarked})

	assert.Equal(t, []EventType{EventUserCreated, EventBetMarked}, got)
}

func TestEmitRecoversFromPanickingHandler(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	em := NewEmitter(zap.New(core))

	delivered := false
	em.Subscribe(func(Event) { panic("boom") }, EventPoolLow)
	em.Subscribe(func(Event) { delivered = true }, EventPoolLow)

	require.NotPanics(t, func() { em.Emit(Event{Type: EventPoolLow}) })
	assert.True(t, delivered, "later handlers still run")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "event handler panicked", logs.All()[0].Message)
}
