package session

import (
	"time"

	"github.com/multitask/messenger/internal/transport"
)

// Typing reports that the local user is typing. The first call sends
// typing:true; typing:false follows after TypingIdle without another call.
// It does nothing while the channel is not connected.
func (s *Session) Typing() error {
	s.mu.Lock()
	if s.conn == nil || s.state != transport.Connected {
		s.mu.Unlock()
		return nil
	}
	conn, gen := s.conn, s.gen
	start := !s.typing
	s.typing = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	idle := s.cfg.TypingIdle
	if idle <= 0 {
		idle = DefaultConfig().TypingIdle
	}
	s.typingTimer = time.AfterFunc(idle, func() { s.typingIdle(gen) })
	s.mu.Unlock()

	if start {
		return conn.SendTyping(true)
	}
	return nil
}

func (s *Session) typingIdle(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.typing || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.typing = false
	s.typingTimer = nil
	s.mu.Unlock()

	if err := conn.SendTyping(false); err != nil {
		s.logger.Debug("[session] typing stop not sent", "err", err)
	}
}

// stopTyping ends the typing indicator immediately, e.g. after a send.
func (s *Session) stopTyping() {
	s.mu.Lock()
	if !s.typing || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	if err := conn.SendTyping(false); err != nil {
		s.logger.Debug("[session] typing stop not sent", "err", err)
	}
}
