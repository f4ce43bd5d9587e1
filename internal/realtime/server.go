// Package realtime is a small event feed: messages published over HTTP are
// broadcast to every connected SSE and WebSocket client, with periodic
// heartbeats in between.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/syntrixbase/streamsub/pkg/model"
	"go.uber.org/multierr"
)

// Maximum accepted size of a published message body.
const maxPublishSize = 1 << 20

type Server struct {
	cfg     Config
	hub     *Hub
	mux     *http.ServeMux
	handler http.Handler
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	hubDone    chan struct{}
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	logger = logger.With("component", "feed")

	s := &Server{
		cfg:    cfg,
		hub:    NewHub(logger),
		mux:    http.NewServeMux(),
		logger: logger,
		now:    time.Now,
	}
	s.mux.HandleFunc("GET /events", s.HandleSSE)
	s.mux.HandleFunc("GET /ws", s.HandleWS)
	s.mux.HandleFunc("POST /publish", s.HandlePublish)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.handler = Chain(s.mux,
		recoveryMiddleware(logger),
		requestIDMiddleware,
		loggingMiddleware(logger),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) HandleSSE(w http.ResponseWriter, r *http.Request) {
	ServeSSE(s.hub, s.cfg, w, r, s.logger)
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, s.cfg, w, r, s.logger)
}

// HandlePublish broadcasts the JSON message in the request body.
func (s *Server) HandlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}

	resp, err := s.Publish(body)
	switch {
	case errors.Is(err, model.ErrInvalidPayload), errors.Is(err, model.ErrMissingType):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// ErrStopped is returned by Publish once the hub is no longer running.
var ErrStopped = errors.New("feed stopped")

// Publish validates payload as a message and broadcasts it.
func (s *Server) Publish(payload []byte) (PublishResponse, error) {
	msg, err := model.Decode(payload)
	if err != nil {
		return PublishResponse{}, err
	}
	msg.Stamp(s.now())
	ev, err := newEvent(msg)
	if err != nil {
		return PublishResponse{}, fmt.Errorf("encode message: %w", err)
	}

	clients := s.hub.ClientCount()
	if !s.hub.Broadcast(ev) {
		return PublishResponse{}, ErrStopped
	}
	s.logger.Debug("message published", "event_id", ev.ID, "type", msg.Type, "clients", clients)
	return PublishResponse{ID: ev.ID, Timestamp: msg.Timestamp, Clients: clients}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// StartBackgroundTasks starts the hub. It runs until ctx is cancelled or Stop is called.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hubDone != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.hubDone)
		s.hub.Run(ctx)
	}()
}

// Start starts the hub and serves HTTP on cfg.Listen. It returns when the
// listener fails or ctx is cancelled; call Stop afterwards.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server already started")
	}
	s.httpServer = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.listener = ln
	s.mu.Unlock()

	s.StartBackgroundTasks(ctx)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting feed server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down and stops the hub, which disconnects all
// clients. Errors from both steps are combined.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.cancel != nil {
		s.cancel()
		<-s.hubDone
	}
	if s.httpServer != nil {
		s.logger.Info("Stopping feed server")
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("http shutdown error: %w", shutdownErr))
			err = multierr.Append(err, s.httpServer.Close())
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}
