// ABOUTME: HTTP handler that upgrades requests to WebSocket sessions
// ABOUTME: Greets each session with the current state and routes its frames to a Handler

package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/linksync/internal/protocol"
)

// Handler processes session traffic.
type Handler interface {
	// Greeting returns the messages a new session receives before anything else.
	Greeting() []protocol.Outbound
	// Handle processes one inbound frame from peer.
	Handle(ctx context.Context, peer Peer, data []byte)
}

// Server upgrades HTTP requests and runs one session per connection.
type Server struct {
	ctx      context.Context
	registry *Registry
	handler  Handler
	opts     Options
	upgrader websocket.Upgrader
	active   sync.WaitGroup
	logger   *slog.Logger
}

// NewServer creates a session server. ctx bounds message handling, so
// in-flight device commands are not cancelled when a client disconnects.
func NewServer(ctx context.Context, registry *Registry, handler Handler, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Server{
		ctx:      ctx,
		registry: registry,
		handler:  handler,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "session-server"),
	}
}

// Registry returns the registry sessions are attached to.
func (s *Server) Registry() *Registry { return s.registry }

// ServeHTTP implements http.Handler. It returns when the session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Done()

	c := newConn(ws, s.opts, s.logger)
	// The greeting is handed over before writePump starts; broadcasts queued
	// after Attach returns are written behind it.
	s.registry.Attach(c, s.handler.Greeting)
	go c.writePump()
	s.logger.Info("session connected", "session_id", c.ID(), "remote", r.RemoteAddr, "sessions", s.registry.Len())

	defer func() {
		s.registry.Detach(c.ID())
		c.Close()
		s.logger.Info("session disconnected", "session_id", c.ID(), "sessions", s.registry.Len())
	}()

	c.readPump(func(data []byte) {
		s.handler.Handle(s.ctx, c, data)
	})
}

// Close closes every session and waits for their handlers to return or for
// ctx to expire. Call it after the HTTP server has stopped accepting requests.
func (s *Server) Close(ctx context.Context) error {
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
