package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventComplianceLogged, 1)
	defer unsub()

	b.Publish(EventComplianceLogged, "hello")
	b.Publish(EventAlertTriggered, "ignored")

	require.Len(t, ch, 1)
	assert.Equal(t, "hello", <-ch)
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventAlertTriggered, 1)
	defer unsub()

	b.Publish(EventAlertTriggered, 1)
	b.Publish(EventAlertTriggered, 2)

	assert.Equal(t, 1, <-ch)
	assert.Len(t, ch, 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventDecisionMade, 0)
	assert.Equal(t, 1, b.Subscribers(EventDecisionMade))

	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers(EventDecisionMade))

	assert.NotPanics(t, unsub)
	b.Publish(EventDecisionMade, "after")
	assert.Empty(t, b.Dropped())
}
