// Package transport manages the live WebSocket channels to the chat and
// notification gateways. A Conn dials in the background, decodes inbound
// frames into protocol events and serialises outbound frames. Handlers are
// always invoked from the connection's own goroutine, never from Open, Send
// or Close, so callers may hold their own locks while calling into a Conn.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/multitask/messenger/internal/metrics"
	"github.com/multitask/messenger/internal/protocol"
)

// ErrNotConnected is returned by Send when the channel is not in the
// Connected state.
var ErrNotConnected = errors.New("transport: not connected")

// Config holds live channel tuning parameters.
type Config struct {
	ConnectTimeout time.Duration // dial + handshake budget (default: 10s)
	PingInterval   time.Duration // keepalive ping period, 0 disables (default: 30s)
	WriteTimeout   time.Duration // per-frame write deadline (default: 5s)
	Scope          string        // "conversation" or "notifications", used in logs and metrics
}

// DefaultConfig returns sensible defaults for a conversation channel.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		WriteTimeout:   5 * time.Second,
		Scope:          "conversation",
	}
}

// Handlers receives connection lifecycle notifications. Any field may be nil.
type Handlers struct {
	OnState func(State)
	OnEvent func(protocol.Event)
	OnError func(error)
}

// Conn is a single client-side live channel.
type Conn struct {
	cfg    Config
	url    string
	h      Handlers
	logger *slog.Logger

	mu    sync.Mutex // guards state and conn
	state State
	conn  net.Conn

	writeMu sync.Mutex // serializes frames written to conn

	done      chan struct{} // closed by Close
	exited    chan struct{} // closed when the run goroutine returns
	closeOnce sync.Once
}

// Open starts connecting to url and returns immediately. The returned Conn is
// in the Connecting state; OnState reports the transition to Connected or
// Errored once the dial completes.
func Open(cfg Config, url string, h Handlers, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Scope == "" {
		cfg.Scope = "conversation"
	}
	c := &Conn{
		cfg:    cfg,
		url:    url,
		h:      h,
		logger: logger,
		state:  Connecting,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.run()
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send encodes v as JSON and writes it as a single text frame. It is
// goroutine-safe.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	if err := c.writeFrame(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	metrics.Frames.WithLabelValues(c.cfg.Scope, "out").Inc()
	return nil
}

// SendTyping reports the local typing indicator.
func (c *Conn) SendTyping(isTyping bool) error {
	return c.Send(protocol.NewTypingMsg(isTyping))
}

// Close shuts the channel down. It is idempotent and does not wait for the
// read goroutine, so it is safe to call from inside a handler. After Close
// returns no further events are delivered.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.state == Connected
		c.state = Disconnected
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if wasConnected {
			metrics.Connections.WithLabelValues(c.cfg.Scope).Dec()
		}
		if conn == nil {
			return
		}
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = c.writeFrame(conn, ws.OpClose, body)
		err = conn.Close()
		c.logger.Debug("[transport] closed", "scope", c.cfg.Scope)
	})
	return err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// run dials, then reads until the connection ends.
func (c *Conn) run() {
	defer close(c.exited)

	conn, err := c.dial()
	if err != nil {
		if c.closed() {
			return
		}
		metrics.ConnectAttempts.WithLabelValues(c.cfg.Scope, "error").Inc()
		c.logger.Warn("[transport] connect failed", "scope", c.cfg.Scope, "err", err)
		c.fail(err)
		return
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues(c.cfg.Scope, "ok").Inc()
	metrics.Connections.WithLabelValues(c.cfg.Scope).Inc()
	c.logger.Info("[transport] connected", "scope", c.cfg.Scope)
	c.emitState(Connected)

	stopPing := make(chan struct{})
	defer close(stopPing)
	if c.cfg.PingInterval > 0 {
		go c.keepalive(conn, stopPing)
	}

	c.readLoop(conn)
}

func (c *Conn) dial() (net.Conn, error) {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Abort the dial if Close is called first.
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialer := ws.Dialer{Timeout: timeout}
	conn, _, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return conn, nil
}

// readLoop reads frames until the connection fails or is closed. Control
// frames are answered under the write mutex so that pongs never interleave
// with application frames.
func (c *Conn) readLoop(conn net.Conn) {
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error { return c.handleControl(conn, hdr, r) },
	}

	for {
		hdr, err := rd.NextFrame()
		if err == nil && hdr.OpCode.IsControl() {
			err = c.handleControl(conn, hdr, rd)
			if err == nil {
				continue
			}
		}
		if err != nil {
			c.readFailed(conn, err)
			return
		}

		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				c.readFailed(conn, err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			c.readFailed(conn, err)
			return
		}

		if c.closed() {
			return
		}
		metrics.Frames.WithLabelValues(c.cfg.Scope, "in").Inc()
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(c.cfg.Scope, "malformed").Inc()
		c.logger.Warn("[transport] dropping malformed frame", "scope", c.cfg.Scope, "err", err)
		return
	}
	if _, ok := ev.(protocol.UnknownEvent); ok {
		metrics.FramesDropped.WithLabelValues(c.cfg.Scope, "unknown").Inc()
	}
	if c.h.OnEvent != nil {
		c.h.OnEvent(ev)
	}
}

func (c *Conn) handleControl(conn net.Conn, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(conn, ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if code.Empty() {
			code = ws.StatusNoStatusRcvd
		}
		_ = c.writeFrame(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// readFailed moves the connection to Disconnected on a clean server close
// and to Errored otherwise. Nothing is reported after Close.
func (c *Conn) readFailed(conn net.Conn, err error) {
	conn.Close()
	if c.closed() {
		return
	}

	next := Errored
	var closedErr wsutil.ClosedError
	if errors.As(err, &closedErr) && closedErr.Code == ws.StatusNormalClosure {
		next = Disconnected
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	metrics.Connections.WithLabelValues(c.cfg.Scope).Dec()

	if next == Errored {
		c.logger.Warn("[transport] connection lost", "scope", c.cfg.Scope, "err", err)
		if c.h.OnError != nil {
			c.h.OnError(err)
		}
	} else {
		c.logger.Info("[transport] server closed connection", "scope", c.cfg.Scope)
	}
	c.emitState(next)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return
	}
	c.state = Errored
	c.mu.Unlock()

	if c.h.OnError != nil {
		c.h.OnError(err)
	}
	c.emitState(Errored)
}

func (c *Conn) emitState(s State) {
	if c.h.OnState != nil {
		c.h.OnState(s)
	}
}

func (c *Conn) writeFrame(conn net.Conn, op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return wsutil.WriteClientMessage(conn, op, data)
}
