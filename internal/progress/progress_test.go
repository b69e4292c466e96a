package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundPct(t *testing.T) {
	assert.Equal(t, 33.3, RoundPct(33.333333))
	assert.Equal(t, 75.0, RoundPct(75))
	assert.Equal(t, 95.1, RoundPct(95.05))
}

func TestNewEventStampsTimestamp(t *testing.T) {
	ev := NewEvent("t1", "parsing", "parsing", 20.04)
	assert.Equal(t, 20.0, ev.ProgressPct)
	parsed, err := time.Parse(time.RFC3339, ev.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestMemoryPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	ch, cancel, err := bus.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, NewEvent("t1", "cloning", "cloning", 5)))
	require.NoError(t, bus.Publish(ctx, NewEvent("t2", "cloning", "cloning", 5)))

	select {
	case ev := <-ch:
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, "cloning", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	// The t2 event never reaches the t1 subscriber.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for task %s", ev.TaskID)
	default:
	}

	assert.Len(t, bus.EventsFor("t1"), 1)
	assert.Len(t, bus.Events(), 2)
}

func TestMemoryUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemory()
	ch, cancel, err := bus.Subscribe(context.Background(), "t1")
	require.NoError(t, err)
	cancel()
	_, open := <-ch
	assert.False(t, open)
}
