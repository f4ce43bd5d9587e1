// Package subscription keeps one live event stream per Manager, retains the
// most recent messages, and reconnects after every failure.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syntrixbase/streamsub/internal/sse"
	"github.com/syntrixbase/streamsub/internal/transport"
	"github.com/syntrixbase/streamsub/pkg/model"
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("subscription manager closed")

// Snapshot is a consistent view of a Manager.
type Snapshot struct {
	// Messages are the retained messages, oldest first.
	Messages []model.Message
	// Connected is true while the stream is open.
	Connected bool
	// Err is the most recent error, empty after a successful open.
	Err string
	// State is the detailed connection state.
	State State
	// Received counts messages retained since the buffer was last cleared,
	// including ones already evicted.
	Received uint64
}

// Manager owns a single subscription.
//
// Every connection attempt runs in its own goroutine and carries a
// generation number. Any mutation first checks that the generation is still
// current, so frames, errors and timers from a superseded attempt are
// dropped. At most one reconnect timer is pending at a time.
type Manager struct {
	id     string
	dialer transport.Dialer
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	cfg         Config
	filter      *Filter
	active      bool
	gen         uint64
	cancel      context.CancelFunc
	stream      transport.Stream
	timer       *time.Timer
	buffer      *Buffer
	received    uint64
	lastEventID string
	state       State
	lastErr     string
	closed      bool

	wg            sync.WaitGroup
	changes       chan struct{}
	changesClosed bool
}

// NewManager creates an idle Manager. Call Update to start subscribing.
func NewManager(dialer transport.Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Manager{
		id:      id,
		dialer:  dialer,
		logger:  logger.With("component", "subscription", "subscription_id", id),
		now:     time.Now,
		cfg:     Config{ReconnectDelay: DefaultReconnectDelay, MaxMessages: DefaultMaxMessages},
		buffer:  NewBuffer(DefaultMaxMessages),
		changes: make(chan struct{}, 1),
	}
}

// ID returns the identifier used in this manager's log lines.
func (m *Manager) ID() string { return m.id }

// Update applies a new configuration. It never blocks on I/O.
//
//   - A change of the normalized address clears the buffer.
//   - Disabling or clearing the address tears the connection down and
//     clears the buffer.
//   - Becoming active, or changing address while active, starts a new
//     connection attempt.
//   - ReconnectDelay and MaxMessages changes apply in place.
func (m *Manager) Update(cfg Config) error {
	cfg.ApplyDefaults()
	cfg.Enabled = Bool(cfg.IsEnabled())
	if err := cfg.Validate(); err != nil {
		return err
	}
	filter, err := CompileFilter(cfg.Filter)
	if err != nil {
		return err
	}
	cfg.Address = NormalizeAddress(cfg.Address)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	addressChanged := cfg.Address != m.cfg.Address
	if addressChanged {
		m.buffer.Clear()
		m.received = 0
		m.lastEventID = ""
	}
	m.buffer.Resize(cfg.MaxMessages)
	m.cfg = cfg
	m.filter = filter

	active := cfg.IsEnabled() && cfg.Address != ""
	switch {
	case !active:
		if m.active {
			m.logger.Info("subscription stopped", "address", cfg.Address, "enabled", cfg.IsEnabled())
		}
		m.teardownLocked()
		m.buffer.Clear()
		m.received = 0
	case !m.active || addressChanged:
		m.teardownLocked()
		m.connectLocked()
	}
	m.active = active

	m.notifyLocked()
	return nil
}

// Snapshot returns the buffer, status and last error.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Messages:  m.buffer.Items(),
		Connected: m.state == StateConnected,
		Err:       m.lastErr,
		State:     m.state,
		Received:  m.received,
	}
}

// Messages returns the retained messages, oldest first.
func (m *Manager) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Items()
}

// Connected reports whether the stream is open.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// LastError returns the most recent error description, or "".
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Changes signals after visible state changes. Signals are coalesced; read
// a Snapshot after each one. The channel is closed by Close.
func (m *Manager) Changes() <-chan struct{} {
	return m.changes
}

// Close tears the subscription down and waits for its goroutines to exit.
// No state changes happen afterward.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.active = false
	m.teardownLocked()
	m.buffer.Clear()
	m.received = 0
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	close(m.changes)
	m.changesClosed = true
	m.mu.Unlock()

	m.logger.Debug("subscription closed")
	return nil
}

// connectLocked starts a new attempt against the current address.
func (m *Manager) connectLocked() {
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(StateConnecting)

	address := m.cfg.Address
	opts := transport.DialOptions{LastEventID: m.lastEventID}

	m.wg.Add(1)
	go m.run(ctx, gen, address, opts)
}

// teardownLocked invalidates the current attempt, stops the timer and
// closes the stream.
func (m *Manager) teardownLocked() {
	m.gen++
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.logger.Debug("error closing stream", "error", err)
		}
		m.stream = nil
	}
	m.setStateLocked(StateIdle)
}

func (m *Manager) run(ctx context.Context, gen uint64, address string, opts transport.DialOptions) {
	defer m.wg.Done()

	logger := m.logger.With("address", address, "conn_id", uuid.New().String())
	logger.Debug("connecting", "last_event_id", opts.LastEventID)

	stream, err := m.dialer.Dial(ctx, address, opts)
	if err != nil {
		m.handleDialError(gen, address, err, logger)
		return
	}

	if !m.handleOpen(gen, stream, logger) {
		stream.Close()
		return
	}

	for {
		select {
		case ev := <-stream.Events():
			m.handleEvent(gen, ev, logger)
		case <-stream.Done():
			m.handleStreamEnd(gen, stream, logger)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleDialError(gen uint64, address string, err error, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}

	logger.Warn("failed to connect", "error", err, "retry_in", m.cfg.ReconnectDelay)
	m.lastErr = fmt.Sprintf("connect %s: %v", address, err)
	m.setStateLocked(StateError)
	m.scheduleReconnectLocked(gen)
	m.notifyLocked()
}

func (m *Manager) handleOpen(gen uint64, stream transport.Stream, logger *slog.Logger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}

	logger.Info("connected")
	m.stream = stream
	m.lastErr = ""
	m.setStateLocked(StateConnected)
	m.notifyLocked()
	return true
}

func (m *Manager) handleEvent(gen uint64, ev sse.Event, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}

	if ev.ID != "" {
		m.lastEventID = ev.ID
	}
	if !ev.HasPayload() {
		return
	}

	msg, err := model.Decode([]byte(ev.Data))
	if err != nil {
		logger.Warn("dropping malformed message", "error", err)
		m.lastErr = fmt.Sprintf("decode message: %v", err)
		m.notifyLocked()
		return
	}
	msg.Stamp(m.now())

	if msg.Kind() == model.KindHeartbeat {
		return
	}

	matched, err := m.filter.Match(msg)
	if err != nil {
		logger.Debug("filter evaluation failed", "filter", m.filter.String(), "type", msg.Type, "error", err)
	}
	if !matched {
		return
	}

	m.buffer.Push(msg)
	m.received++
	m.notifyLocked()
}

func (m *Manager) handleStreamEnd(gen uint64, stream transport.Stream, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}

	err := stream.Err()
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	if err != nil {
		m.lastErr = fmt.Sprintf("stream closed: %v", err)
	} else {
		m.lastErr = "stream closed"
	}
	logger.Warn("connection lost", "error", err, "retry_in", m.cfg.ReconnectDelay)

	m.setStateLocked(StateError)
	m.scheduleReconnectLocked(gen)
	m.notifyLocked()
}

// scheduleReconnectLocked arms the single reconnect timer for attempt gen.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	m.stopTimerLocked()
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect(gen)
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.closed || !m.active {
		return
	}

	m.timer = nil
	m.connectLocked()
	m.notifyLocked()
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.logger.Debug("connection state changed", "from", m.state.String(), "to", state.String())
	m.state = state
}

func (m *Manager) notifyLocked() {
	if m.changesClosed {
		return
	}
	select {
	case m.changes <- struct{}{}:
	default:
	}
}
