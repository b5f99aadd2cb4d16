package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestSubjects(t *testing.T) {
	if got := EventSubject(42); got != "messenger.events.42" {
		t.Errorf("EventSubject = %q", got)
	}
	if got := NotificationSubject(7); got != "messenger.notifications.7" {
		t.Errorf("NotificationSubject = %q", got)
	}
}

func TestDecodeOutbox(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    OutboxMessage
		wantErr bool
	}{
		{"json", `{"conversation_id":3,"text":"hi"}`, OutboxMessage{ConversationID: 3, Text: "hi"}, false},
		{"json without conversation", `{"text":"hi"}`, OutboxMessage{Text: "hi"}, false},
		{"plain text", "  hello there \n", OutboxMessage{Text: "hello there"}, false},
		{"empty", "   ", OutboxMessage{}, true},
		{"empty json text", `{"text":"  "}`, OutboxMessage{}, true},
		{"broken json", `{"text":`, OutboxMessage{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeOutbox([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Round trip through a local NATS server
// ---------------------------------------------------------------------------

func connectOrSkip(t *testing.T) *Relay {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxReconnects = 0
	r, err := Connect(cfg, nil)
	if err != nil {
		t.Skipf("NATS not available on %s: %v", cfg.URL, err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRelay_PublishEvent(t *testing.T) {
	r := connectOrSkip(t)

	got := make(chan Event, 1)
	err := r.Subscribe(EventSubject(99), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			got <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.PublishEvent(Event{Type: "chat_message", ConversationID: 99, Payload: map[string]string{"content": "hi"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != "chat_message" || ev.ConversationID != 99 || ev.At.IsZero() {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestRelay_Outbox(t *testing.T) {
	r := connectOrSkip(t)

	got := make(chan OutboxMessage, 2)
	if err := r.SubscribeOutbox(func(m OutboxMessage) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = r.Publish(SubjectOutbox, []byte("   "))
	_ = r.Publish(SubjectOutbox, []byte(`{"conversation_id":5,"text":"from outside"}`))

	select {
	case m := <-got:
		if m.ConversationID != 5 || m.Text != "from outside" {
			t.Errorf("unexpected outbox message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outbox message not received")
	}

	if err := r.Unsubscribe(SubjectOutbox); err != nil {
		t.Errorf("unsubscribe: %v", err)
	}
	if err := r.Unsubscribe(SubjectOutbox); err == nil {
		t.Errorf("second unsubscribe should fail")
	}
}
