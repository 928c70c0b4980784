package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTopics(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	toasts, unsubToasts := b.Subscribe(4, TopicToast)
	defer unsubToasts()

	b.Publish(Event{Type: TopicConnState, Data: "connected"})
	b.Publish(Event{Type: TopicToast, Data: "n1"})

	require.Equal(t, TopicConnState, (<-all).Type)
	require.Equal(t, TopicToast, (<-all).Type)

	e := <-toasts
	require.Equal(t, "n1", e.Data)
	require.False(t, e.Time.IsZero())
	require.Empty(t, toasts)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TopicFlush})
	b.Publish(Event{Type: TopicFlush})
	require.EqualValues(t, 1, b.(Counter).Dropped())

	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TopicFlush})
}
