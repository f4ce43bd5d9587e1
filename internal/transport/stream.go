package transport

import (
	"sync"

	"github.com/syntrixbase/streamsub/internal/sse"
	"github.com/syntrixbase/streamsub/pkg/model"
)

// baseStream implements the channel plumbing shared by all transports.
// Producers call deliver for each frame and finish exactly when the
// underlying connection ends.
type baseStream struct {
	events chan sse.Event
	done   chan struct{}

	finishOnce sync.Once
	errMu      sync.Mutex
	err        error

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func newBaseStream(closeFn func() error) *baseStream {
	return &baseStream{
		events:  make(chan sse.Event),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *baseStream) Events() <-chan sse.Event { return s.events }

func (s *baseStream) Done() <-chan struct{} { return s.done }

func (s *baseStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close releases the connection. The stream ends with model.ErrCanceled
// unless it had already ended.
func (s *baseStream) Close() error {
	s.closeOnce.Do(func() {
		s.finish(model.ErrCanceled)
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

// deliver hands ev to the consumer. It returns false once the stream has ended.
func (s *baseStream) deliver(ev sse.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *baseStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

// Compile-time check
var _ Stream = (*baseStream)(nil)
