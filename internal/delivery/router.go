// Package delivery routes outgoing messages over the live channel when it is
// connected and over the REST endpoint otherwise. Every submission is shown
// immediately as a pending entry; entries that cannot be delivered are held
// in a failed slot until retried or dismissed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/multitask/messenger/internal/api"
	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/drafts"
	"github.com/multitask/messenger/internal/metrics"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/transport"
)

var (
	// ErrEmptyMessage is returned for empty or whitespace-only text.
	ErrEmptyMessage = chat.ErrEmptyMessage

	// ErrUnknownDraft is returned by Retry and Dismiss for an id that is not
	// in the failed slot.
	ErrUnknownDraft = errors.New("delivery: unknown draft")

	// ErrNoConversation is returned when no conversation is selected.
	ErrNoConversation = errors.New("delivery: no conversation selected")
)

// Live is the conversation channel. *transport.Conn implements it.
type Live interface {
	State() transport.State
	Send(v interface{}) error
}

// HTTP is the REST fallback. *api.Client implements it.
type HTTP interface {
	SendMessage(ctx context.Context, conversationID int64, content string) (api.SentMessage, error)
	History(ctx context.Context, conversationID int64) ([]chat.Message, error)
}

// Scope describes the conversation a submission targets.
type Scope struct {
	ConversationID int64
	Generation     uint64
	Live           Live // nil when no channel is open
}

// Scoper reports the current conversation and applies results only while
// it is still current. *session.Session implements it.
type Scoper interface {
	Scope() Scope
	// IfCurrent runs fn while holding the scope's lock if gen is still the
	// current generation, and reports whether it ran.
	IfCurrent(gen uint64, fn func()) bool
}

// Config holds router settings.
type Config struct {
	PendingTimeout time.Duration // live echo deadline (default: 15s)
}

// DefaultConfig returns the default router settings.
func DefaultConfig() Config {
	return Config{PendingTimeout: 15 * time.Second}
}

// Failed is an undelivered message held for retry.
type Failed = drafts.Draft

type pending struct {
	gen    uint64
	sentAt time.Time
	timer  *time.Timer
}

// failedEntry is a slot entry with the generation it failed under.
type failedEntry struct {
	draft drafts.Draft
	gen   uint64
}

// Router delivers outgoing messages for a session.
type Router struct {
	cfg    Config
	store  *chat.Store
	http   HTTP
	drafts drafts.Store
	scoper Scoper
	self   chat.User
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending // local id -> live send awaiting its echo
	failed  []failedEntry
}

// NewRouter creates a Router. A nil draft store keeps drafts in memory.
func NewRouter(cfg Config, store *chat.Store, http HTTP, ds drafts.Store, scoper Scoper, self chat.User, logger *slog.Logger) *Router {
	if ds == nil {
		ds = drafts.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultConfig().PendingTimeout
	}
	return &Router{
		cfg:     cfg,
		store:   store,
		http:    http,
		drafts:  ds,
		scoper:  scoper,
		self:    self,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Restore loads drafts persisted by an earlier run into the failed slot.
func (r *Router) Restore(ctx context.Context) error {
	ds, err := r.drafts.List(ctx)
	if err != nil {
		return fmt.Errorf("delivery: restore: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if r.indexFailedLocked(d.LocalID) < 0 {
			r.failed = append(r.failed, failedEntry{draft: d})
		}
	}
	return nil
}

// Submit sends text to the current conversation. The returned message is
// the optimistic entry added to the store. Empty text returns
// ErrEmptyMessage without touching the store or the network.
func (r *Router) Submit(ctx context.Context, text string) (chat.Message, error) {
	content, err := chat.NormalizeMessage(text)
	if err != nil {
		return chat.Message{}, err
	}
	sc := r.scoper.Scope()
	if sc.ConversationID == 0 {
		return chat.Message{}, ErrNoConversation
	}
	return r.deliver(ctx, sc, content, 1)
}

func (r *Router) deliver(ctx context.Context, sc Scope, content string, attempt int) (chat.Message, error) {
	var msg chat.Message
	if !r.scoper.IfCurrent(sc.Generation, func() {
		msg = r.store.AddPending(sc.ConversationID, r.self, content)
	}) {
		metrics.StaleResults.WithLabelValues("send").Inc()
		return chat.Message{}, ErrNoConversation
	}

	if sc.Live != nil && sc.Live.State() == transport.Connected {
		err := sc.Live.Send(protocol.NewChatMsg(content))
		if err == nil {
			metrics.MessagesTotal.WithLabelValues("sent_live").Inc()
			r.track(msg.LocalID, sc.Generation)
			return msg, nil
		}
		r.logger.Warn("[delivery] live send failed, using http", "conversation", sc.ConversationID, "err", err)
	}

	return r.sendHTTP(ctx, sc, msg, attempt)
}

// sendHTTP posts msg and, on success, reloads the history so the optimistic
// entry is replaced by the server's copy.
func (r *Router) sendHTTP(ctx context.Context, sc Scope, msg chat.Message, attempt int) (chat.Message, error) {
	start := time.Now()
	if _, err := r.http.SendMessage(ctx, sc.ConversationID, msg.Content); err != nil {
		r.fail(sc.Generation, msg, err, attempt)
		msg.Status = chat.StatusFailed
		return msg, fmt.Errorf("delivery: send: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent_http").Inc()

	history, err := r.http.History(ctx, sc.ConversationID)
	if err != nil {
		// The server has the message; the next history load confirms it.
		r.logger.Warn("[delivery] history refresh failed", "conversation", sc.ConversationID, "err", err)
		return msg, nil
	}
	if !r.scoper.IfCurrent(sc.Generation, func() { r.store.ReplaceHistory(history) }) {
		metrics.StaleResults.WithLabelValues("history").Inc()
		return msg, nil
	}
	if _, still := r.store.Lookup(msg.LocalID); !still {
		metrics.MessagesTotal.WithLabelValues("confirmed").Inc()
		metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	}
	return msg, nil
}

// track arms the echo deadline for a live send.
func (r *Router) track(localID string, gen uint64) {
	p := &pending{gen: gen, sentAt: time.Now()}
	r.mu.Lock()
	r.pending[localID] = p
	p.timer = time.AfterFunc(r.cfg.PendingTimeout, func() { r.expire(localID) })
	metrics.PendingMessages.Set(float64(len(r.pending)))
	r.mu.Unlock()
}

// expire moves a live send whose echo never arrived to the failed slot.
func (r *Router) expire(localID string) {
	r.mu.Lock()
	p, ok := r.pending[localID]
	if ok {
		delete(r.pending, localID)
	}
	metrics.PendingMessages.Set(float64(len(r.pending)))
	r.mu.Unlock()
	if !ok {
		return
	}

	msg, found := r.store.Lookup(localID)
	if !found || msg.Status != chat.StatusPending {
		return
	}
	r.fail(p.gen, msg, errors.New("no confirmation from server"), 1)
}

// Reconcile settles live sends whose echo has been applied to the store.
// It is called after inbound messages are appended and must not be called
// while holding the Scoper's lock.
func (r *Router) Reconcile() {
	r.mu.Lock()
	snapshot := make(map[string]*pending, len(r.pending))
	for id, p := range r.pending {
		snapshot[id] = p
	}
	r.mu.Unlock()

	for id, p := range snapshot {
		if _, found := r.store.Lookup(id); found {
			continue
		}
		current := r.scoper.IfCurrent(p.gen, func() {})

		r.mu.Lock()
		settled := r.pending[id] == p
		if settled {
			p.timer.Stop()
			delete(r.pending, id)
		}
		metrics.PendingMessages.Set(float64(len(r.pending)))
		r.mu.Unlock()

		if settled && current {
			metrics.MessagesTotal.WithLabelValues("confirmed").Inc()
			metrics.DeliveryLatency.Observe(time.Since(p.sentAt).Seconds())
		}
	}
}

// fail marks msg failed in the store (when its conversation is still
// current) and holds its text in the failed slot.
func (r *Router) fail(gen uint64, msg chat.Message, cause error, attempt int) {
	r.scoper.IfCurrent(gen, func() { r.store.MarkFailed(msg.LocalID) })

	d := drafts.Draft{
		LocalID:        msg.LocalID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Reason:         cause.Error(),
		FailedAt:       time.Now().UnixMilli(),
		Attempts:       attempt,
	}
	r.mu.Lock()
	if i := r.indexFailedLocked(d.LocalID); i >= 0 {
		r.failed[i] = failedEntry{draft: d, gen: gen}
	} else {
		r.failed = append(r.failed, failedEntry{draft: d, gen: gen})
	}
	r.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("failed").Inc()
	r.logger.Warn("[delivery] message failed", "conversation", d.ConversationID, "local_id", d.LocalID, "err", cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.drafts.Save(ctx, d); err != nil {
		r.logger.Error("[delivery] persisting draft failed", "local_id", d.LocalID, "err", err)
	}
}

// Failed returns the undelivered messages. Entries whose server copy has
// since arrived are dropped.
func (r *Router) Failed() []Failed {
	r.mu.Lock()
	entries := make([]failedEntry, len(r.failed))
	copy(entries, r.failed)
	r.mu.Unlock()

	confirmed := make(map[string]bool)
	for _, f := range entries {
		if f.gen != 0 && r.confirmedLate(f) {
			confirmed[f.draft.LocalID] = true
		}
	}

	r.mu.Lock()
	kept := r.failed[:0]
	for _, f := range r.failed {
		if !confirmed[f.draft.LocalID] {
			kept = append(kept, f)
		}
	}
	r.failed = kept
	out := make([]Failed, len(kept))
	for i, f := range kept {
		out[i] = f.draft
	}
	r.mu.Unlock()

	for id := range confirmed {
		metrics.MessagesTotal.WithLabelValues("confirmed").Inc()
		r.deleteDraft(id)
	}
	return out
}

// confirmedLate reports whether a failed entry of the current conversation
// disappeared from the store, which only a matching server copy does.
func (r *Router) confirmedLate(f failedEntry) bool {
	gone := false
	r.scoper.IfCurrent(f.gen, func() {
		_, found := r.store.Lookup(f.draft.LocalID)
		gone = !found
	})
	return gone
}

// Retry resubmits a failed message. When its conversation is still open the
// failed entry is replaced by a new pending one; otherwise it is posted
// directly to its conversation.
func (r *Router) Retry(ctx context.Context, localID string) (chat.Message, error) {
	r.mu.Lock()
	i := r.indexFailedLocked(localID)
	if i < 0 {
		r.mu.Unlock()
		return chat.Message{}, ErrUnknownDraft
	}
	f := r.failed[i]
	r.failed = append(r.failed[:i], r.failed[i+1:]...)
	r.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("retried").Inc()

	sc := r.scoper.Scope()
	if sc.ConversationID == f.draft.ConversationID {
		r.scoper.IfCurrent(sc.Generation, func() { r.store.Remove(localID) })
		msg, err := r.deliver(ctx, sc, f.draft.Content, f.draft.Attempts+1)
		if errors.Is(err, ErrNoConversation) {
			// The conversation switched before the resend started.
			r.requeue(ctx, f.draft)
			return msg, err
		}
		r.deleteDraft(localID)
		return msg, err
	}

	if _, err := r.http.SendMessage(ctx, f.draft.ConversationID, f.draft.Content); err != nil {
		f.draft.Reason = err.Error()
		f.draft.Attempts++
		f.draft.FailedAt = time.Now().UnixMilli()
		r.requeue(ctx, f.draft)
		return chat.Message{}, fmt.Errorf("delivery: retry: %w", err)
	}
	r.deleteDraft(localID)
	metrics.MessagesTotal.WithLabelValues("sent_http").Inc()
	return chat.Message{
		ConversationID: f.draft.ConversationID,
		Sender:         r.self,
		Content:        f.draft.Content,
		MessageType:    chat.MessageTypeText,
		Status:         chat.StatusConfirmed,
	}, nil
}

// requeue puts a draft back in the failed slot, detached from any open
// conversation.
func (r *Router) requeue(ctx context.Context, d drafts.Draft) {
	r.mu.Lock()
	r.failed = append(r.failed, failedEntry{draft: d})
	r.mu.Unlock()
	if err := r.drafts.Save(ctx, d); err != nil {
		r.logger.Error("[delivery] persisting draft failed", "local_id", d.LocalID, "err", err)
	}
}

// Dismiss discards a failed message and removes it from the store.
func (r *Router) Dismiss(localID string) error {
	r.mu.Lock()
	i := r.indexFailedLocked(localID)
	if i < 0 {
		r.mu.Unlock()
		return ErrUnknownDraft
	}
	f := r.failed[i]
	r.failed = append(r.failed[:i], r.failed[i+1:]...)
	r.mu.Unlock()

	r.scoper.IfCurrent(f.gen, func() { r.store.Remove(localID) })
	r.deleteDraft(localID)
	metrics.MessagesTotal.WithLabelValues("dismissed").Inc()
	return nil
}

// Stop cancels all echo deadlines.
func (r *Router) Stop() {
	r.mu.Lock()
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
	metrics.PendingMessages.Set(0)
	r.mu.Unlock()
}

func (r *Router) deleteDraft(localID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.drafts.Delete(ctx, localID); err != nil {
		r.logger.Error("[delivery] deleting draft failed", "local_id", localID, "err", err)
	}
}

func (r *Router) indexFailedLocked(localID string) int {
	for i, f := range r.failed {
		if f.draft.LocalID == localID {
			return i
		}
	}
	return -1
}
