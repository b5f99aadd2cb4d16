// Package session owns the live channel of the selected conversation. Every
// selection change, explicit close and shutdown goes through one teardown
// path, and each asynchronous result is tagged with the generation it was
// started under so results for a conversation that is no longer open are
// discarded.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/multitask/messenger/internal/api"
	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/conversation"
	"github.com/multitask/messenger/internal/delivery"
	"github.com/multitask/messenger/internal/drafts"
	"github.com/multitask/messenger/internal/metrics"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/transport"
)

// API is the subset of the REST client the session uses. *api.Client
// implements it.
type API interface {
	delivery.HTTP
	conversation.Fetcher
	MarkRead(ctx context.Context, conversationID int64) error
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) (conversation.Conversation, bool, error)
}

// Channel is an open live channel. *transport.Conn implements it.
type Channel interface {
	State() transport.State
	Send(v interface{}) error
	SendTyping(isTyping bool) error
	Close() error
}

// DialFunc opens a live channel. It must return immediately and report
// progress through h.
type DialFunc func(url string, h transport.Handlers) Channel

// Hooks are optional observers, always invoked without the session lock
// held. Any field may be nil.
type Hooks struct {
	OnMessage     func(chat.Message)
	OnHistory     func(conversationID int64, count int)
	OnTyping      func(protocol.TypingEvent)
	OnReadReceipt func(messageID int64)
	OnState       func(conversationID int64, st transport.State)
	OnServerError func(message string)
}

// Config holds session tuning parameters.
type Config struct {
	WSURL         string        // live channel base, e.g. ws://localhost:8000/ws
	ReconnectBase time.Duration // first reconnect delay (default: 1s)
	ReconnectMax  time.Duration // reconnect delay cap (default: 30s)
	MaxReconnects int           // attempts per selection, 0 disables (default: 5)
	TypingIdle    time.Duration // typing:false after this much inactivity (default: 3s)
	Transport     transport.Config
	Delivery      delivery.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WSURL:         "ws://localhost:8000/ws",
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		MaxReconnects: 5,
		TypingIdle:    3 * time.Second,
		Transport:     transport.DefaultConfig(),
		Delivery:      delivery.DefaultConfig(),
	}
}

// Options are the session's collaborators.
type Options struct {
	API    API
	Tokens api.TokenSource
	Self   chat.User
	Drafts drafts.Store  // nil keeps failed sends in memory
	Dial   DialFunc      // nil dials with transport.Open
	Logger *slog.Logger
	Hooks  Hooks
}

// Session is the conversation session manager. It is safe for concurrent
// use.
type Session struct {
	cfg    Config
	api    API
	tokens api.TokenSource
	self   chat.User
	dial   DialFunc
	hooks  Hooks
	logger *slog.Logger

	store  *chat.Store
	list   *conversation.List
	router *delivery.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	gen            uint64 // bumped by every Select and Close
	seq            uint64 // bumped by every channel opened
	convID         int64
	conn           Channel
	state          transport.State
	reconnects     int
	reconnectTimer *time.Timer
	typing         bool
	typingTimer    *time.Timer
	shutdown       bool
}

// New creates a session with no conversation selected.
func New(cfg Config, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		api:    opts.API,
		tokens: opts.Tokens,
		self:   opts.Self,
		dial:   opts.Dial,
		hooks:  opts.Hooks,
		logger: logger,
		store:  chat.NewStore(),
		ctx:    ctx,
		cancel: cancel,
		state:  transport.Disconnected,
	}
	if s.dial == nil {
		tcfg := cfg.Transport
		s.dial = func(url string, h transport.Handlers) Channel {
			return transport.Open(tcfg, url, h, logger)
		}
	}
	s.list = conversation.NewList(opts.API, opts.Self.ID, logger)
	s.router = delivery.NewRouter(cfg.Delivery, s.store, opts.API, opts.Drafts, s, opts.Self, logger)
	return s
}

// Store returns the message store of the open conversation.
func (s *Session) Store() *chat.Store { return s.store }

// List returns the conversation list.
func (s *Session) List() *conversation.List { return s.list }

// Router returns the delivery router.
func (s *Session) Router() *delivery.Router { return s.router }

// State returns the live channel state of the open conversation.
func (s *Session) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the open conversation, or 0.
func (s *Session) ConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start loads the conversation list and opens the initial conversation:
// the one with preferredUserID (created when missing), else the most recent.
// It returns the opened conversation id, or 0 when there is nothing to open.
func (s *Session) Start(ctx context.Context, preferredUserID int64) (int64, error) {
	s.list.LoadAll(ctx)
	if err := s.router.Restore(ctx); err != nil {
		s.logger.Warn("[session] restoring drafts failed", "err", err)
	}

	c, ok := s.list.SelectInitial(preferredUserID)
	if preferredUserID != 0 && preferredUserID != s.self.ID && (!ok || c.OtherID() != preferredUserID) {
		created, isNew, err := s.api.CreateConversation(ctx, api.CreateConversationRequest{ParticipantID: preferredUserID})
		if err != nil {
			return 0, err
		}
		s.list.Upsert(created)
		s.logger.Info("[session] conversation ready", "conversation", created.ID, "created", isNew)
		c, ok = created, true
	}
	if !ok {
		return 0, nil
	}
	s.Select(ctx, c.ID)
	return c.ID, nil
}

// Select opens conversationID, closing the previous channel first. History
// and the server-side read mark are fetched in the background.
func (s *Session) Select(ctx context.Context, conversationID int64) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.teardownLocked()
	s.convID = conversationID
	s.store.Reset()
	s.list.SetActive(conversationID)
	s.list.MarkRead(conversationID)
	s.openLocked(gen)
	s.mu.Unlock()

	s.logger.Info("[session] selected", "conversation", conversationID)
	s.emitState(conversationID, transport.Connecting)

	s.async(func() { s.loadHistory(gen, conversationID) })
	s.async(func() { s.markReadRemote(gen, conversationID) })
}

// Close tears down the open conversation. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.convID == 0 && s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.teardownLocked()
	s.convID = 0
	s.store.Reset()
	s.list.SetActive(0)
	s.mu.Unlock()
}

// Shutdown closes the session for good and waits for background work.
func (s *Session) Shutdown() {
	s.Close()
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.router.Stop()
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until background fetches started so far have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// teardownLocked is the single release path for the open channel and its
// timers.
func (s *Session) teardownLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typing = false
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("[session] close channel", "err", err)
		}
		s.conn = nil
	}
	s.state = transport.Disconnected
	s.reconnects = 0
}

// openLocked dials the channel for the current conversation. Handlers carry
// the generation and channel sequence they were opened under.
func (s *Session) openLocked(gen uint64) {
	s.seq++
	seq := s.seq
	token := ""
	if s.tokens != nil {
		token = s.tokens.Token()
	}
	url := transport.ConversationURL(s.cfg.WSURL, s.convID, token)
	s.conn = s.dial(url, transport.Handlers{
		OnState: func(st transport.State) { s.onState(gen, seq, st) },
		OnEvent: func(ev protocol.Event) { s.onEvent(gen, seq, ev) },
		OnError: func(err error) { s.onError(gen, seq, err) },
	})
	s.state = transport.Connecting
}

func (s *Session) currentLocked(gen, seq uint64) bool {
	return !s.shutdown && gen == s.gen && seq == s.seq
}

func (s *Session) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// ---------------------------------------------------------------------------
// Background fetches
// ---------------------------------------------------------------------------

func (s *Session) loadHistory(gen uint64, conversationID int64) {
	history, err := s.api.History(s.ctx, conversationID)
	if err != nil {
		s.logger.Warn("[session] history fetch failed", "conversation", conversationID, "err", err)
		return
	}
	if !s.IfCurrent(gen, func() { s.store.ReplaceHistory(history) }) {
		metrics.StaleResults.WithLabelValues("history").Inc()
		s.logger.Debug("[session] discarding stale history", "conversation", conversationID)
		return
	}
	s.router.Reconcile()
	if s.hooks.OnHistory != nil {
		s.hooks.OnHistory(conversationID, len(history))
	}
}

func (s *Session) markReadRemote(gen uint64, conversationID int64) {
	err := s.api.MarkRead(s.ctx, conversationID)
	if !s.IfCurrent(gen, func() {}) {
		metrics.StaleResults.WithLabelValues("mark_read").Inc()
		return
	}
	if err != nil {
		s.logger.Warn("[session] mark read failed", "conversation", conversationID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// delivery.Scoper
// ---------------------------------------------------------------------------

// Scope returns the conversation outgoing messages are sent to.
func (s *Session) Scope() delivery.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := delivery.Scope{ConversationID: s.convID, Generation: s.gen}
	if s.conn != nil {
		sc.Live = s.conn
	}
	return sc
}

// IfCurrent runs fn under the session lock if gen is still current.
func (s *Session) IfCurrent(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown || gen != s.gen || s.convID == 0 {
		return false
	}
	fn()
	return true
}

// ---------------------------------------------------------------------------
// User actions
// ---------------------------------------------------------------------------

// Send submits text to the open conversation.
func (s *Session) Send(ctx context.Context, text string) (chat.Message, error) {
	msg, err := s.router.Submit(ctx, text)
	if err == nil {
		s.stopTyping()
	}
	return msg, err
}

// MarkRead marks the open conversation read: locally at once, then on the
// server over the live channel when connected or over REST otherwise.
func (s *Session) MarkRead(ctx context.Context) {
	s.mu.Lock()
	convID, gen, conn := s.convID, s.gen, s.conn
	connected := s.state == transport.Connected
	if convID != 0 {
		s.list.MarkRead(convID)
		s.store.MarkAllRead(s.self.ID)
	}
	s.mu.Unlock()
	if convID == 0 {
		return
	}

	if connected && conn != nil {
		if err := conn.Send(protocol.NewMarkReadMsg(0)); err == nil {
			return
		}
	}
	s.async(func() { s.markReadRemote(gen, convID) })
}
