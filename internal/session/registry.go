// ABOUTME: Registry of connected sessions with initial-state greeting and fan-out broadcast
// ABOUTME: Closed or slow sessions are skipped during a broadcast instead of failing it

package session

import (
	"log/slog"
	"sync"

	"github.com/2389/linksync/internal/protocol"
)

// Peer is one connected client as seen by the registry and the dispatcher.
type Peer interface {
	ID() string
	// Send queues msg without blocking. It returns false if the peer is
	// closed or could not accept the message.
	Send(msg protocol.Outbound) bool
	Close()
}

// greeter is implemented by peers that accept the whole greeting at once,
// outside their bounded send queue.
type greeter interface {
	Greet(msgs []protocol.Outbound) bool
}

// Registry tracks open sessions.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		peers:  make(map[string]Peer),
		logger: logger.With("component", "sessions"),
	}
}

// Attach registers p and queues the messages returned by greet to it. greet
// runs under the registry's write lock, so any broadcast either reaches p
// after its greeting or is already reflected in it.
func (r *Registry) Attach(p Peer, greet func() []protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[p.ID()] = p
	if greet != nil {
		msgs := greet()
		if g, ok := p.(greeter); ok {
			g.Greet(msgs)
		} else {
			for _, msg := range msgs {
				if !p.Send(msg) {
					break
				}
			}
		}
	}

	r.logger.Debug("session attached", "session_id", p.ID(), "sessions", len(r.peers))
}

// Detach removes a session. Unknown IDs are ignored.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	n := len(r.peers)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("session detached", "session_id", id, "sessions", n)
	}
}

// Broadcast queues msg to every session except excludeID (empty excludes
// none) and returns how many sessions accepted it.
func (r *Registry) Broadcast(msg protocol.Outbound, excludeID string) int {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if excludeID != "" && id == excludeID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if p.Send(msg) {
			delivered++
			continue
		}
		r.logger.Debug("skipped session during broadcast",
			"session_id", p.ID(),
			"type", msg.MessageType())
	}
	return delivered
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CloseAll closes every session. Sessions detach themselves as their
// connections wind down.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	for _, p := range targets {
		p.Close()
	}
	r.logger.Debug("closed all sessions", "count", len(targets))
}
