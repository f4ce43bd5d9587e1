package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/streamsub/internal/sse"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_BroadcastToClients(t *testing.T) {
	h := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c1 := newClient(h, "test", 4, discardLogger())
	c2 := newClient(h, "test", 4, discardLogger())
	require.True(t, h.Register(c1))
	require.True(t, h.Register(c2))
	assert.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.True(t, h.Broadcast(sse.Event{ID: "1", Data: `{"type":"log"}`}))

	for _, c := range []*Client{c1, c2} {
		select {
		case ev := <-c.send:
			assert.Equal(t, "1", ev.ID)
		case <-time.After(time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	h := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := newClient(h, "test", 1, discardLogger())
	require.True(t, h.Register(slow))

	require.True(t, h.Broadcast(sse.Event{ID: "1"}))
	require.True(t, h.Broadcast(sse.Event{ID: "2"}))
	// The hub handles requests in order, so this returns after "2" was processed.
	require.True(t, h.Register(newClient(h, "test", 1, discardLogger())))

	ev := <-slow.send
	assert.Equal(t, "1", ev.ID)
	select {
	case ev := <-slow.send:
		t.Fatalf("unexpected frame %q", ev.ID)
	default:
	}
}

func TestHub_UnregisterClosesQueue(t *testing.T) {
	h := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := newClient(h, "test", 1, discardLogger())
	require.True(t, h.Register(c))
	h.Unregister(c)

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("queue not closed")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_StopsWithContext(t *testing.T) {
	h := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := newClient(h, "test", 1, discardLogger())
	require.True(t, h.Register(c))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	_, ok := <-c.send
	assert.False(t, ok, "shutdown closes client queues")
	assert.False(t, h.Broadcast(sse.Event{ID: "late"}))
	assert.False(t, h.Register(newClient(h, "test", 1, discardLogger())))
}
