package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore-ai/flowcore/internal/model"
)

func collect(sub *Subscription, n int, timeout time.Duration) []*model.Event {
	var out []*model.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestEmitDeliversInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{})
	for i := 0; i < 5; i++ {
		b.Emit(model.NewEvent(model.EventNodeStarted, "exec-1", fmt.Sprintf("n%d", i), nil))
	}

	events := collect(sub, 5, time.Second)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("n%d", i), e.NodeID)
	}
}

func TestFilterByExecutionAndKind(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{ExecutionID: "exec-1", Kinds: []model.EventKind{model.EventNodeCompleted}})
	b.Emit(model.NewEvent(model.EventNodeCompleted, "exec-2", "a", nil))
	b.Emit(model.NewEvent(model.EventNodeStarted, "exec-1", "b", nil))
	b.Emit(model.NewEvent(model.EventNodeCompleted, "exec-1", "c", nil))

	events := collect(sub, 1, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].NodeID)
	assert.Equal(t, model.EventNodeCompleted, events[0].Kind)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	drops := 0
	b := New(WithQueueSize(2), WithDropHook(func() { drops++ }))
	defer b.Close()

	sub := b.Subscribe(Filter{})
	for i := 0; i < 5; i++ {
		b.Emit(model.NewEvent(model.EventNodeStarted, "exec-1", fmt.Sprintf("n%d", i), nil))
	}

	// Only the newest two survive in the queue.
	events := collect(sub, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "n3", events[0].NodeID)
	assert.Equal(t, "n4", events[1].NodeID)
	assert.Equal(t, int64(3), sub.Dropped())
	assert.Equal(t, 3, drops)
}

func TestRecentReplay(t *testing.T) {
	b := New(WithRingSize(3))
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Emit(model.NewEvent(model.EventNodeStarted, "exec-1", fmt.Sprintf("n%d", i), nil))
	}

	recent := b.Recent(0, Filter{})
	require.Len(t, recent, 3)
	assert.Equal(t, "n2", recent[0].NodeID)
	assert.Equal(t, "n4", recent[2].NodeID)

	limited := b.Recent(2, Filter{})
	require.Len(t, limited, 2)
	assert.Equal(t, "n3", limited[0].NodeID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{})
	sub.Unsubscribe()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Emitting after unsubscribe must not panic.
	b.Emit(model.NewEvent(model.EventNodeStarted, "exec-1", "a", nil))
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	b.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	post := b.Subscribe(Filter{})
	_, ok = <-post.Events()
	assert.False(t, ok)
}
