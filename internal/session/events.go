package session

import (
	"time"

	"github.com/multitask/messenger/internal/metrics"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/transport"
)

// onEvent applies one inbound live event. Events from a channel that is no
// longer current, or messages tagged for another conversation, are dropped.
func (s *Session) onEvent(gen, seq uint64, ev protocol.Event) {
	var notify func()

	s.mu.Lock()
	if !s.currentLocked(gen, seq) {
		s.mu.Unlock()
		metrics.StaleResults.WithLabelValues("event").Inc()
		return
	}
	convID := s.convID

	switch ev := ev.(type) {
	case protocol.ChatMessageEvent:
		m := ev.Message
		if m.ConversationID != 0 && m.ConversationID != convID {
			s.mu.Unlock()
			metrics.StaleResults.WithLabelValues("event").Inc()
			s.logger.Debug("[session] dropping message for another conversation", "conversation", m.ConversationID)
			return
		}
		if m.ConversationID == 0 {
			m.ConversationID = convID
		}
		if s.store.Append(m) {
			s.list.ApplyIncomingPreview(convID, m)
			if m.Sender.ID != s.self.ID {
				metrics.MessagesTotal.WithLabelValues("received").Inc()
			}
			if s.hooks.OnMessage != nil {
				notify = func() { s.hooks.OnMessage(m) }
			}
		}

	case protocol.TypingEvent:
		if ev.UserID != s.self.ID && s.hooks.OnTyping != nil {
			notify = func() { s.hooks.OnTyping(ev) }
		}

	case protocol.ReadReceiptEvent:
		if s.store.MarkRead(ev.MessageID) && s.hooks.OnReadReceipt != nil {
			notify = func() { s.hooks.OnReadReceipt(ev.MessageID) }
		}

	case protocol.ErrorEvent:
		s.logger.Warn("[session] server error", "conversation", convID, "message", ev.Message)
		if s.hooks.OnServerError != nil {
			notify = func() { s.hooks.OnServerError(ev.Message) }
		}

	case protocol.ConnectionEstablishedEvent:
		s.logger.Debug("[session] channel established", "conversation", convID, "message", ev.Message)

	case protocol.UnreadCountEvent, protocol.NewNotificationEvent:
		s.logger.Debug("[session] ignoring notification event on conversation channel", "type", ev.EventType())

	default:
		s.logger.Debug("[session] ignoring unknown event", "type", ev.EventType())
	}
	s.mu.Unlock()

	if _, ok := ev.(protocol.ChatMessageEvent); ok {
		s.router.Reconcile()
	}
	if notify != nil {
		notify()
	}
}

// onState tracks the channel state and schedules reconnects after
// unexpected loss.
func (s *Session) onState(gen, seq uint64, st transport.State) {
	s.mu.Lock()
	if !s.currentLocked(gen, seq) {
		s.mu.Unlock()
		return
	}
	convID := s.convID
	s.state = st
	refetch := false

	switch st {
	case transport.Connected:
		// A reconnect may have missed messages; reload history.
		refetch = s.reconnects > 0
		s.reconnects = 0
	case transport.Errored, transport.Disconnected:
		s.scheduleReconnectLocked(gen)
	}
	s.mu.Unlock()

	s.logger.Info("[session] channel state", "conversation", convID, "state", st.String())
	if refetch {
		s.async(func() { s.loadHistory(gen, convID) })
	}
	s.emitState(convID, st)
}

func (s *Session) onError(gen, seq uint64, err error) {
	s.mu.Lock()
	current := s.currentLocked(gen, seq)
	convID := s.convID
	s.mu.Unlock()
	if current {
		s.logger.Warn("[session] channel error", "conversation", convID, "err", err)
	}
}

func (s *Session) scheduleReconnectLocked(gen uint64) {
	if s.reconnects >= s.cfg.MaxReconnects {
		if s.cfg.MaxReconnects > 0 {
			s.logger.Warn("[session] giving up reconnecting", "conversation", s.convID, "attempts", s.reconnects)
		}
		return
	}
	delay := transport.Backoff(s.reconnects, s.cfg.ReconnectBase, s.cfg.ReconnectMax)
	s.reconnects++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.shutdown || gen != s.gen || s.convID == 0 {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.openLocked(gen)
	convID, attempt := s.convID, s.reconnects
	s.mu.Unlock()

	metrics.Reconnects.WithLabelValues("conversation").Inc()
	s.logger.Info("[session] reconnecting", "conversation", convID, "attempt", attempt)
	s.emitState(convID, transport.Connecting)
}

func (s *Session) emitState(convID int64, st transport.State) {
	if s.hooks.OnState != nil {
		s.hooks.OnState(convID, st)
	}
}
