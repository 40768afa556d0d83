// ABOUTME: WebSocket session with buffered outbound queue, keepalive and inbound rate limit
// ABOUTME: writePump owns all writes; readPump delivers frames to the handler in arrival order

package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/linksync/internal/protocol"
)

// Options tunes every connection served by a Server.
type Options struct {
	SendBuffer      int
	RateLimit       float64 // inbound messages per second, 0 disables
	RateBurst       int
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// DefaultOptions returns the connection defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:      256,
		RateLimit:       50,
		RateBurst:       20,
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 512 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.RateBurst <= 0 {
		o.RateBurst = d.RateBurst
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	return o
}

// Conn is one client WebSocket connection. It implements Peer.
type Conn struct {
	id       string
	ws       *websocket.Conn
	greeting []protocol.Outbound // set by Greet before writePump starts
	send     chan protocol.Outbound
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	opts     Options
	logger   *slog.Logger
}

func newConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	id := uuid.New().String()
	c := &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan protocol.Outbound, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger.With("session_id", id),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return c
}

// ID implements Peer.
func (c *Conn) ID() string { return c.id }

// Send implements Peer. A session whose queue is full is closed so that it
// resynchronises from a fresh greeting on reconnect instead of silently
// missing updates.
func (c *Conn) Send(msg protocol.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, closing slow session", "type", msg.MessageType())
		c.Close()
		return false
	}
}

// Greet queues the initial state ahead of the send queue. The greeting is not
// bounded by SendBuffer, so a store with many tabs does not close the session
// it is greeting. Greet must be called before writePump starts.
func (c *Conn) Greet(msgs []protocol.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.greeting = append(c.greeting, msgs...)
	return true
}

// Close signals both pumps to stop. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump writes the greeting, then drains the send queue to the socket
// and pings the client.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	greeting := c.greeting
	c.greeting = nil
	for _, msg := range greeting {
		select {
		case <-c.done:
			c.writeClose()
			return
		default:
		}
		if !c.write(msg) {
			return
		}
	}

	for {
		select {
		case <-c.done:
			c.writeClose()
			return

		case msg := <-c.send:
			if !c.write(msg) {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// write sends one message frame. It returns false once the socket has failed.
func (c *Conn) write(msg protocol.Outbound) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode message", "type", msg.MessageType(), "error", err)
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", "error", err)
		c.Close()
		return false
	}
	return true
}

func (c *Conn) writeClose() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump reads frames until the connection fails or is closed and passes
// each one to handle. handle runs on this goroutine, so a session's messages
// are processed one at a time in arrival order.
func (c *Conn) readPump(handle func(data []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	// writePump closes the socket once done is closed, which fails ReadMessage.
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, message dropped")
			c.Send(protocol.Failed("rate limit exceeded"))
			continue
		}

		handle(data)
	}
}
