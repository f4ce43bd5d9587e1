package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/streamsub/internal/sse"
	"github.com/syntrixbase/streamsub/internal/transport"
	"github.com/syntrixbase/streamsub/pkg/model"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testAddress = "http://example.test/events"
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

type fakeStream struct {
	events chan sse.Event
	done   chan struct{}

	mu     sync.Mutex
	once   sync.Once
	err    error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan sse.Event),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) Events() <-chan sse.Event { return s.events }

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.end(model.ErrCanceled)
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeStream) send(t *testing.T, ev sse.Event) {
	t.Helper()
	select {
	case s.events <- ev:
	case <-time.After(waitTimeout):
		t.Fatal("event was not consumed")
	}
}

func (s *fakeStream) sendData(t *testing.T, data string) {
	t.Helper()
	s.send(t, sse.Event{Type: "message", Data: data})
}

type dialCall struct {
	address string
	opts    transport.DialOptions
}

type fakeDialer struct {
	mu    sync.Mutex
	calls []dialCall
	errs  []error

	streams chan *fakeStream
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{streams: make(chan *fakeStream, 16)}
}

// failNext makes the next len(errs) dials fail in order.
func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *fakeDialer) Dial(ctx context.Context, address string, opts transport.DialOptions) (transport.Stream, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialCall{address: address, opts: opts})
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s := newFakeStream()
	d.streams <- s
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) call(i int) dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

func (d *fakeDialer) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-d.streams:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no stream was dialed")
		return nil
	}
}

func newTestManager(t *testing.T, d transport.Dialer) *Manager {
	t.Helper()
	m := NewManager(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func activeConfig(address string) Config {
	return Config{Address: address, Enabled: Bool(true), ReconnectDelay: 50 * time.Millisecond, MaxMessages: 10}
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, m.Connected, waitTimeout, waitTick)
}

func waitReceived(t *testing.T, m *Manager, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Snapshot().Received >= n }, waitTimeout, waitTick)
}

func types(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Type
	}
	return out
}

func TestManager_NewIsIdle(t *testing.T) {
	m := newTestManager(t, newFakeDialer())

	snap := m.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Connected)
	assert.Empty(t, snap.Err)
	assert.Equal(t, StateIdle, snap.State)
	assert.NotEmpty(t, m.ID())
}

func TestManager_ConnectsAndRetains(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)

	s.sendData(t, `{"type":"log","msg":"hello"}`)
	waitReceived(t, m, 1)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "log", msgs[0].Type)
	assert.Equal(t, "hello", msgs[0].Fields["msg"])
	assert.Equal(t, testAddress, d.call(0).address)
	assert.Empty(t, m.LastError())
}

func TestManager_UnsetEnabledConnects(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(Config{Address: testAddress}))
	d.next(t)
	waitConnected(t, m)
	assert.Equal(t, 1, d.count())
}

func TestManager_HeartbeatsAreNotRetained(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)

	s.sendData(t, `{"type":"heartbeat"}`)
	s.sendData(t, `{"type":"heartbeat","timestamp":"2024-01-01T00:00:00.000Z"}`)
	s.sendData(t, `{"type":"log"}`)
	waitReceived(t, m, 1)

	assert.Equal(t, []string{"log"}, types(m.Messages()))
	assert.Equal(t, uint64(1), m.Snapshot().Received)
}

func TestManager_EvictsOldestFirst(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	cfg := activeConfig(testAddress)
	cfg.MaxMessages = 2
	require.NoError(t, m.Update(cfg))
	s := d.next(t)
	waitConnected(t, m)

	s.sendData(t, `{"type":"A"}`)
	s.sendData(t, `{"type":"B"}`)
	s.sendData(t, `{"type":"C"}`)
	waitReceived(t, m, 3)

	assert.Equal(t, []string{"B", "C"}, types(m.Messages()))
}

func TestManager_StampsMissingTimestamp(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)
	m.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC) }

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)

	s.sendData(t, `{"type":"log"}`)
	s.sendData(t, `{"type":"log","timestamp":"2020-01-01T00:00:00.000Z"}`)
	waitReceived(t, m, 2)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "2024-05-06T07:08:09.123Z", msgs[0].Timestamp)
	assert.Equal(t, "2024-05-06T07:08:09.123Z", msgs[0].Fields["timestamp"])
	assert.Equal(t, "2020-01-01T00:00:00.000Z", msgs[1].Timestamp)
}

func TestManager_WhitespaceAddressVariantKeepsBuffer(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)
	s.sendData(t, `{"type":"log"}`)
	waitReceived(t, m, 1)

	require.NoError(t, m.Update(activeConfig(" http://example.test/ events\n")))

	assert.Len(t, m.Messages(), 1)
	assert.True(t, m.Connected())
	assert.Equal(t, 1, d.count())
	assert.False(t, s.isClosed())
}

func TestManager_AddressChangeClearsAndReconnects(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s1 := d.next(t)
	waitConnected(t, m)
	s1.sendData(t, `{"type":"log"}`)
	waitReceived(t, m, 1)

	const other = "http://example.test/other"
	require.NoError(t, m.Update(activeConfig(other)))
	assert.Empty(t, m.Messages())
	assert.Equal(t, uint64(0), m.Snapshot().Received)
	assert.True(t, s1.isClosed())

	s2 := d.next(t)
	waitConnected(t, m)
	assert.Equal(t, other, d.call(1).address)

	s2.sendData(t, `{"type":"other"}`)
	waitReceived(t, m, 1)
	assert.Equal(t, []string{"other"}, types(m.Messages()))
}

func TestManager_DialErrorRetriesOnceAfterDelay(t *testing.T) {
	d := newFakeDialer()
	d.failNext(errors.New("connection refused"))
	m := newTestManager(t, d)

	cfg := activeConfig(testAddress)
	cfg.ReconnectDelay = 100 * time.Millisecond
	require.NoError(t, m.Update(cfg))

	require.Eventually(t, func() bool { return m.State() == StateError }, waitTimeout, waitTick)
	assert.Contains(t, m.LastError(), "connection refused")
	assert.False(t, m.Connected())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.count(), "no retry before the delay elapses")

	d.next(t)
	waitConnected(t, m)
	assert.Equal(t, 2, d.count())
	assert.Empty(t, m.LastError())

	time.Sleep(3 * cfg.ReconnectDelay)
	assert.Equal(t, 2, d.count(), "no retry while connected")
}

func TestManager_StreamErrorReconnectsOnce(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	cfg := activeConfig(testAddress)
	cfg.ReconnectDelay = 200 * time.Millisecond
	require.NoError(t, m.Update(cfg))
	s1 := d.next(t)
	waitConnected(t, m)
	s1.sendData(t, `{"type":"log"}`)
	waitReceived(t, m, 1)

	s1.end(errors.New("unexpected EOF"))
	require.Eventually(t, func() bool { return m.State() != StateConnected }, waitTimeout, waitTick)
	assert.Contains(t, m.LastError(), "unexpected EOF")

	assert.Equal(t, StateError, m.State())
	assert.True(t, s1.isClosed())

	d.next(t)
	waitConnected(t, m)

	time.Sleep(2 * cfg.ReconnectDelay)
	assert.Equal(t, 2, d.count())
	assert.Len(t, m.Messages(), 1, "reconnect keeps the buffer")
}

func TestManager_RetriesWithoutLimit(t *testing.T) {
	d := newFakeDialer()
	d.failNext(errors.New("e1"), errors.New("e2"), errors.New("e3"))
	m := newTestManager(t, d)

	cfg := activeConfig(testAddress)
	cfg.ReconnectDelay = 10 * time.Millisecond
	require.NoError(t, m.Update(cfg))

	d.next(t)
	waitConnected(t, m)
	assert.Equal(t, 4, d.count())
}

func TestManager_ResumesWithLastEventID(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s1 := d.next(t)
	waitConnected(t, m)
	assert.Empty(t, d.call(0).opts.LastEventID)

	s1.send(t, sse.Event{ID: "42", Type: "message", Data: `{"type":"log"}`})
	waitReceived(t, m, 1)
	s1.end(nil)

	d.next(t)
	waitConnected(t, m)
	assert.Equal(t, "42", d.call(1).opts.LastEventID)
}

func TestManager_DisableClearsAndDisconnects(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)
	s.sendData(t, `{"type":"log"}`)
	waitReceived(t, m, 1)

	cfg := activeConfig(testAddress)
	cfg.Enabled = Bool(false)
	require.NoError(t, m.Update(cfg))

	snap := m.Snapshot()
	assert.False(t, snap.Connected)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Messages)
	assert.True(t, s.isClosed())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, d.count(), "disabled subscription never reconnects")
}

func TestManager_EmptyAddressIsInactive(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(" \t")))
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, d.count())
}

func TestManager_DisableCancelsPendingRetry(t *testing.T) {
	d := newFakeDialer()
	d.failNext(errors.New("refused"))
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	require.Eventually(t, func() bool { return m.State() == StateError }, waitTimeout, waitTick)

	cfg := activeConfig(testAddress)
	cfg.Enabled = Bool(false)
	require.NoError(t, m.Update(cfg))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Contains(t, m.LastError(), "refused", "last error survives disable")
}

func TestManager_IgnoresStaleAttempts(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s1 := d.next(t)
	waitConnected(t, m)

	m.mu.Lock()
	staleGen := m.gen
	m.mu.Unlock()

	cfg := activeConfig(testAddress)
	cfg.Enabled = Bool(false)
	require.NoError(t, m.Update(cfg))
	cfg.Enabled = Bool(true)
	require.NoError(t, m.Update(cfg))
	d.next(t)
	waitConnected(t, m)

	m.handleEvent(staleGen, sse.Event{Data: `{"type":"log"}`}, m.logger)
	m.handleStreamEnd(staleGen, s1, m.logger)
	m.reconnect(staleGen)

	assert.Empty(t, m.Messages())
	assert.True(t, m.Connected())
	assert.Empty(t, m.LastError())
	assert.Equal(t, 2, d.count())
}

func TestManager_MalformedPayloadKeepsConnection(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)

	s.sendData(t, `not json`)
	require.Eventually(t, func() bool { return m.LastError() != "" }, waitTimeout, waitTick)
	assert.Contains(t, m.LastError(), "decode message")
	assert.True(t, m.Connected())

	s.sendData(t, `{"no_type":true}`)
	s.sendData(t, `{"type":"log"}`)
	waitReceived(t, m, 1)

	assert.Equal(t, []string{"log"}, types(m.Messages()))
	assert.Equal(t, 1, d.count())
}

func TestManager_Filter(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	cfg := activeConfig(testAddress)
	cfg.Filter = `msg.level == "error"`
	require.NoError(t, m.Update(cfg))
	s := d.next(t)
	waitConnected(t, m)

	s.sendData(t, `{"type":"log","level":"info"}`)
	s.sendData(t, `{"type":"log"}`)
	s.sendData(t, `{"type":"log","level":"error"}`)
	waitReceived(t, m, 1)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Fields["level"])
}

func TestManager_ResizeInPlace(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	cfg := activeConfig(testAddress)
	require.NoError(t, m.Update(cfg))
	s := d.next(t)
	waitConnected(t, m)
	for _, typ := range []string{"a", "b", "c"} {
		s.sendData(t, `{"type":"`+typ+`"}`)
	}
	waitReceived(t, m, 3)

	cfg.MaxMessages = 1
	cfg.ReconnectDelay = time.Second
	require.NoError(t, m.Update(cfg))

	assert.Equal(t, []string{"c"}, types(m.Messages()))
	assert.True(t, m.Connected())
	assert.Equal(t, 1, d.count())
}

func TestManager_UpdateRejectsInvalidConfig(t *testing.T) {
	m := newTestManager(t, newFakeDialer())

	cfg := activeConfig(testAddress)
	cfg.Filter = "msg.("
	assert.Error(t, m.Update(cfg))

	cfg = activeConfig(testAddress)
	cfg.ReconnectDelay = -time.Second
	assert.Error(t, m.Update(cfg))

	assert.Equal(t, StateIdle, m.State())
}

func TestManager_ChangesSignal(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d)

	require.NoError(t, m.Update(activeConfig(testAddress)))
	select {
	case <-m.Changes():
	case <-time.After(waitTimeout):
		t.Fatal("expected a change signal")
	}
	d.next(t)
}

func TestManager_Close(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, m.Update(activeConfig(testAddress)))
	s := d.next(t)
	waitConnected(t, m)

	require.NoError(t, m.Close())
	assert.True(t, s.isClosed())
	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.Update(activeConfig(testAddress)), ErrClosed)
	assert.NoError(t, m.Close())

	// Drain the coalesced signal, then the channel must be closed.
	for range m.Changes() {
	}
}
