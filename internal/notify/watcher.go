// Package notify keeps the user-scope notification channel open. It is a
// second live channel, independent of the conversation channel, that carries
// the unread notification counter and newly created notifications.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/multitask/messenger/internal/api"
	"github.com/multitask/messenger/internal/metrics"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/transport"
)

const recentLimit = 50

// Channel is an open live channel. *transport.Conn implements it.
type Channel interface {
	State() transport.State
	Send(v interface{}) error
	Close() error
}

// DialFunc opens a live channel and returns immediately.
type DialFunc func(url string, h transport.Handlers) Channel

// Hooks are optional observers, invoked without the watcher lock held.
type Hooks struct {
	OnUnreadCount  func(count int)
	OnNotification func(protocol.Notification)
	OnState        func(transport.State)
}

// Config holds notification channel settings.
type Config struct {
	WSURL         string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int // consecutive attempts, negative retries forever
	Transport     transport.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	tcfg := transport.DefaultConfig()
	tcfg.Scope = "notifications"
	return Config{
		WSURL:         "ws://localhost:8000/ws",
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		MaxReconnects: -1,
		Transport:     tcfg,
	}
}

// Watcher owns the notification channel.
type Watcher struct {
	cfg    Config
	tokens api.TokenSource
	dial   DialFunc
	hooks  Hooks
	logger *slog.Logger

	mu         sync.Mutex
	seq        uint64
	conn       Channel
	state      transport.State
	unread     int
	recent     []protocol.Notification
	reconnects int
	timer      *time.Timer
	running    bool
}

// New creates a stopped watcher. A nil dial uses transport.Open.
func New(cfg Config, tokens api.TokenSource, dial DialFunc, hooks Hooks, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		tcfg := cfg.Transport
		if tcfg.Scope == "" {
			tcfg.Scope = "notifications"
		}
		dial = func(url string, h transport.Handlers) Channel {
			return transport.Open(tcfg, url, h, logger)
		}
	}
	return &Watcher{
		cfg:    cfg,
		tokens: tokens,
		dial:   dial,
		hooks:  hooks,
		logger: logger,
		state:  transport.Disconnected,
	}
}

// Start opens the channel. Calling Start on a running watcher does nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.reconnects = 0
	w.openLocked()
}

// Stop closes the channel and cancels any pending reconnect.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	w.seq++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.state = transport.Disconnected
}

// State returns the channel state.
func (w *Watcher) State() transport.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Unread returns the last known unread notification count.
func (w *Watcher) Unread() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unread
}

// Recent returns notifications received since Start, newest first.
func (w *Watcher) Recent() []protocol.Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Notification(nil), w.recent...)
}

// MarkRead marks one notification read on the server and locally.
func (w *Watcher) MarkRead(notificationID int64) error {
	conn, err := w.connected()
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.NewMarkReadMsg(notificationID)); err != nil {
		return err
	}

	w.mu.Lock()
	for i := range w.recent {
		if w.recent[i].ID == notificationID && !w.recent[i].IsRead {
			w.recent[i].IsRead = true
			if w.unread > 0 {
				w.unread--
			}
		}
	}
	count := w.unread
	w.mu.Unlock()
	metrics.UnreadNotifications.Set(float64(count))
	return nil
}

// RefreshUnread asks the server for the current unread count.
func (w *Watcher) RefreshUnread() error {
	conn, err := w.connected()
	if err != nil {
		return err
	}
	return conn.Send(protocol.NewGetUnreadCountMsg())
}

func (w *Watcher) connected() (Channel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || w.state != transport.Connected {
		return nil, transport.ErrNotConnected
	}
	return w.conn, nil
}

func (w *Watcher) openLocked() {
	w.seq++
	seq := w.seq
	token := ""
	if w.tokens != nil {
		token = w.tokens.Token()
	}
	w.conn = w.dial(transport.NotificationsURL(w.cfg.WSURL, token), transport.Handlers{
		OnState: func(st transport.State) { w.onState(seq, st) },
		OnEvent: func(ev protocol.Event) { w.onEvent(seq, ev) },
		OnError: func(err error) { w.logger.Warn("[notify] channel error", "err", err) },
	})
	w.state = transport.Connecting
}

func (w *Watcher) onState(seq uint64, st transport.State) {
	w.mu.Lock()
	if !w.running || seq != w.seq {
		w.mu.Unlock()
		return
	}
	w.state = st
	conn := w.conn
	switch st {
	case transport.Connected:
		w.reconnects = 0
	case transport.Errored, transport.Disconnected:
		w.scheduleReconnectLocked()
	}
	w.mu.Unlock()

	w.logger.Info("[notify] channel state", "state", st.String())
	if st == transport.Connected && conn != nil {
		if err := conn.Send(protocol.NewGetUnreadCountMsg()); err != nil {
			w.logger.Debug("[notify] unread count request failed", "err", err)
		}
	}
	if w.hooks.OnState != nil {
		w.hooks.OnState(st)
	}
}

func (w *Watcher) onEvent(seq uint64, ev protocol.Event) {
	w.mu.Lock()
	if !w.running || seq != w.seq {
		w.mu.Unlock()
		metrics.StaleResults.WithLabelValues("event").Inc()
		return
	}

	var notify func()
	switch ev := ev.(type) {
	case protocol.UnreadCountEvent:
		count := ev.Count
		if count < 0 {
			count = 0
		}
		w.unread = count
		metrics.UnreadNotifications.Set(float64(count))
		if w.hooks.OnUnreadCount != nil {
			notify = func() { w.hooks.OnUnreadCount(count) }
		}

	case protocol.NewNotificationEvent:
		n := ev.Notification
		w.recent = append([]protocol.Notification{n}, w.recent...)
		if len(w.recent) > recentLimit {
			w.recent = w.recent[:recentLimit]
		}
		if !n.IsRead {
			w.unread++
			metrics.UnreadNotifications.Set(float64(w.unread))
		}
		if w.hooks.OnNotification != nil {
			notify = func() { w.hooks.OnNotification(n) }
		}

	case protocol.ErrorEvent:
		w.logger.Warn("[notify] server error", "message", ev.Message)

	case protocol.ConnectionEstablishedEvent:
		w.logger.Debug("[notify] channel established", "message", ev.Message)

	default:
		w.logger.Debug("[notify] ignoring event", "type", ev.EventType())
	}
	w.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (w *Watcher) scheduleReconnectLocked() {
	if w.cfg.MaxReconnects >= 0 && w.reconnects >= w.cfg.MaxReconnects {
		w.logger.Warn("[notify] giving up reconnecting", "attempts", w.reconnects)
		return
	}
	delay := transport.Backoff(w.reconnects, w.cfg.ReconnectBase, w.cfg.ReconnectMax)
	w.reconnects++
	seq := w.seq
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, func() { w.reconnect(seq) })
}

func (w *Watcher) reconnect(seq uint64) {
	w.mu.Lock()
	if !w.running || seq != w.seq {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.openLocked()
	attempt := w.reconnects
	w.mu.Unlock()

	metrics.Reconnects.WithLabelValues("notifications").Inc()
	w.logger.Info("[notify] reconnecting", "attempt", attempt)
}
