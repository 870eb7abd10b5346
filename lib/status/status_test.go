package status_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/status"
)

func TestLateSubscriberReceivesLatestStateFirst(t *testing.T) {
	t.Parallel()
	b := status.NewBroadcaster()

	b.Publish(status.Event{Status: status.Connected, Peer: "10.0.0.5:9000", SessionID: 7})

	ch, cancel := b.Subscribe(4)
	defer cancel()

	select {
	case ev := <-ch:
		require.Equal(t, status.Connected, ev.Status)
		require.Equal(t, uint64(7), ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed state")
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	t.Parallel()
	b := status.NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	// Drain the initial replay so the buffer (capacity 1) is free, then
	// fill it without reading, so the *next* publish must be dropped
	// rather than block.
	<-ch
	b.Publish(status.Event{Status: status.Connected})

	done := make(chan struct{})
	go func() {
		b.Publish(status.Event{Status: status.Disconnected})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()
	b := status.NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	<-ch // drain replay
	cancel()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}
