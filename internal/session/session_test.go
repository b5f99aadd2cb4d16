package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/multitask/messenger/internal/api"
	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/conversation"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

var (
	alice = chat.User{ID: 1, Username: "alice"}
	bob   = chat.User{ID: 2, Username: "bob"}
)

const (
	convA int64 = 100
	convB int64 = 200
)

type fakeChannel struct {
	url string
	h   transport.Handlers

	mu     sync.Mutex
	state  transport.State
	sent   []interface{}
	closed bool
}

func (c *fakeChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.Connected {
		return transport.ErrNotConnected
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeChannel) SendTyping(isTyping bool) error {
	return c.Send(protocol.NewTypingMsg(isTyping))
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = transport.Disconnected
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) frames() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.sent...)
}

// connect simulates a completed handshake.
func (c *fakeChannel) connect() {
	c.mu.Lock()
	c.state = transport.Connected
	c.mu.Unlock()
	c.h.OnState(transport.Connected)
}

// fail simulates a lost connection.
func (c *fakeChannel) fail() {
	c.mu.Lock()
	c.state = transport.Errored
	c.mu.Unlock()
	c.h.OnError(errors.New("connection reset"))
	c.h.OnState(transport.Errored)
}

// emit delivers an event even after Close, as a frame already in flight
// would be.
func (c *fakeChannel) emit(ev protocol.Event) {
	c.h.OnEvent(ev)
}

type fakeDialer struct {
	mu         sync.Mutex
	channels   []*fakeChannel
	violations int // dials while another channel was still open
}

func (d *fakeDialer) dial(url string, h transport.Handlers) Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.channels {
		if !c.isClosed() {
			d.violations++
		}
	}
	c := &fakeChannel{url: url, h: h, state: transport.Connecting}
	d.channels = append(d.channels, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}

type fakeAPI struct {
	mu            sync.Mutex
	conversations []conversation.Conversation
	history       map[int64][]chat.Message
	historyGate   map[int64]chan struct{}
	historyCalls  map[int64]int
	markReadGate  chan struct{}
	markReadCalls []int64
	sendCalls     []int64
	createCalls   []int64
	nextID        int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:      make(map[int64][]chat.Message),
		historyGate:  make(map[int64]chan struct{}),
		historyCalls: make(map[int64]int),
		nextID:       1000,
	}
}

func (a *fakeAPI) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]conversation.Conversation(nil), a.conversations...), nil
}

func (a *fakeAPI) History(ctx context.Context, id int64) ([]chat.Message, error) {
	a.mu.Lock()
	a.historyCalls[id]++
	gate := a.historyGate[id]
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.Message(nil), a.history[id]...), nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, id int64, content string) (api.SentMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendCalls = append(a.sendCalls, id)
	a.nextID++
	a.history[id] = append(a.history[id], chat.Message{
		ID: a.nextID, ConversationID: id, Sender: alice, Content: content, CreatedAt: time.Now(),
	})
	return api.SentMessage{Content: content, MessageType: chat.MessageTypeText}, nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, id int64) error {
	a.mu.Lock()
	gate := a.markReadGate
	a.markReadCalls = append(a.markReadCalls, id)
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (a *fakeAPI) CreateConversation(ctx context.Context, req api.CreateConversationRequest) (conversation.Conversation, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls = append(a.createCalls, req.ParticipantID)
	c := conversation.Conversation{ID: 900, OtherParticipant: &chat.User{ID: req.ParticipantID, Username: "new"}}
	a.conversations = append(a.conversations, c)
	return c, true, nil
}

func (a *fakeAPI) historyCount(id int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.historyCalls[id]
}

func (a *fakeAPI) sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sendCalls)
}

type fixture struct {
	api     *fakeAPI
	dialer  *fakeDialer
	session *Session
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 40 * time.Millisecond
	cfg.MaxReconnects = 0
	cfg.TypingIdle = 30 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{api: newFakeAPI(), dialer: &fakeDialer{}}
	f.session = New(cfg, Options{
		API:    f.api,
		Tokens: api.StaticToken("tok"),
		Self:   alice,
		Dial:   f.dialer.dial,
	})
	t.Cleanup(f.session.Shutdown)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chatEvent(id, conv int64, from chat.User, text string, at time.Time) protocol.ChatMessageEvent {
	return protocol.ChatMessageEvent{Message: chat.Message{
		ID: id, ConversationID: conv, Sender: from, Content: text, CreatedAt: at,
	}}
}

func countContent(msgs []chat.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Content == text {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Test: A fresh session starts disconnected
// ---------------------------------------------------------------------------

func TestNew_StartsDisconnected(t *testing.T) {
	f := newFixture(t, testConfig())
	if st := f.session.State(); st != transport.Disconnected {
		t.Fatalf("expected Disconnected, got %s", st)
	}
	if f.dialer.count() != 0 {
		t.Errorf("no channel should be opened before a selection")
	}
}

// ---------------------------------------------------------------------------
// Test: Switching conversations keeps exactly one channel open
// ---------------------------------------------------------------------------

func TestSelect_OneChannelAtATime(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.session.Select(ctx, convA)
	if f.dialer.count() != 1 {
		t.Fatalf("expected one channel, got %d", f.dialer.count())
	}
	first := f.dialer.last()
	if !strings.Contains(first.url, "/chat/100/") || !strings.Contains(first.url, "token=tok") {
		t.Errorf("unexpected channel url %q", first.url)
	}
	if f.session.State() != transport.Connecting {
		t.Errorf("expected Connecting after select, got %s", f.session.State())
	}

	for i := 0; i < 5; i++ {
		f.session.Select(ctx, convB)
		f.session.Select(ctx, convA)
	}

	if f.dialer.violations != 0 {
		t.Fatalf("a channel was opened while %d others were still open", f.dialer.violations)
	}
	open := 0
	for _, c := range f.dialer.channels {
		if !c.isClosed() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open channel, got %d", open)
	}
	if f.session.ConversationID() != convA {
		t.Errorf("expected conversation %d, got %d", convA, f.session.ConversationID())
	}
}

// ---------------------------------------------------------------------------
// Test: Selecting marks the conversation read before the server answers
// ---------------------------------------------------------------------------

func TestSelect_MarksReadImmediately(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.conversations = []conversation.Conversation{
		{ID: convA, OtherParticipant: &bob, UnreadCount: 4},
	}
	gate := make(chan struct{})
	f.api.markReadGate = gate
	defer close(gate)

	f.session.List().LoadAll(context.Background())
	f.session.Select(context.Background(), convA)

	c, ok := f.session.List().Get(convA)
	if !ok || c.UnreadCount != 0 {
		t.Fatalf("expected unread 0 before the server acknowledged, got %+v", c)
	}
}

// ---------------------------------------------------------------------------
// Test: Live echo of an own message leaves one entry
// ---------------------------------------------------------------------------

func TestSend_LiveEchoDeduplicated(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.session.Select(ctx, convA)
	f.session.Wait()
	ch := f.dialer.last()
	ch.connect()

	if _, err := f.session.Send(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.frames()) != 1 || f.api.sends() != 0 {
		t.Fatalf("expected one live send and no http send, got live=%d http=%d", len(ch.frames()), f.api.sends())
	}

	ch.emit(chatEvent(10, convA, alice, "hello", time.Now()))

	msgs := f.session.Store().Messages()
	if countContent(msgs, "hello") != 1 {
		t.Fatalf("expected exactly one \"hello\", got %+v", msgs)
	}
	if msgs[0].ID != 10 || msgs[0].IsLocal() {
		t.Errorf("expected the server copy, got %+v", msgs[0])
	}

	// A repeated echo is a duplicate.
	ch.emit(chatEvent(10, convA, alice, "hello", msgs[0].CreatedAt))
	if n := f.session.Store().Len(); n != 1 {
		t.Errorf("duplicate echo was appended, len=%d", n)
	}
}

// ---------------------------------------------------------------------------
// Test: HTTP fallback followed by history refetch leaves one entry
// ---------------------------------------------------------------------------

func TestSend_HTTPFallbackWhenErrored(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.session.Select(ctx, convA)
	f.session.Wait()
	ch := f.dialer.last()
	ch.fail()

	if f.session.State() != transport.Errored {
		t.Fatalf("expected Errored, got %s", f.session.State())
	}
	if _, err := f.session.Send(ctx, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.frames()) != 0 || f.api.sends() != 1 {
		t.Fatalf("expected zero live sends and one http send, got live=%d http=%d", len(ch.frames()), f.api.sends())
	}

	msgs := f.session.Store().Messages()
	if countContent(msgs, "hi") != 1 || msgs[0].IsLocal() {
		t.Fatalf("expected exactly one confirmed \"hi\", got %+v", msgs)
	}

	// A later full reload keeps it single.
	f.session.Select(ctx, convA)
	f.session.Wait()
	if n := countContent(f.session.Store().Messages(), "hi"); n != 1 {
		t.Errorf("expected one \"hi\" after reload, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Test: Events from the previous conversation are dropped after a switch
// ---------------------------------------------------------------------------

func TestSwitch_StaleEventsDropped(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.session.Select(ctx, convA)
	chA := f.dialer.last()

	// Switch while A is still connecting.
	f.session.Select(ctx, convB)
	f.session.Wait()
	chB := f.dialer.last()

	chA.connect()
	chA.emit(chatEvent(1, convA, bob, "for A", time.Now()))
	chA.emit(chatEvent(2, 0, bob, "untagged from A", time.Now()))

	if n := f.session.Store().Len(); n != 0 {
		t.Fatalf("A's events leaked into B: %+v", f.session.Store().Messages())
	}
	if st := f.session.State(); st != transport.Connecting {
		t.Errorf("A's state change leaked into B: %s", st)
	}

	// A message tagged for A arriving on B's channel is also dropped.
	chB.connect()
	chB.emit(chatEvent(3, convA, bob, "misrouted", time.Now()))
	chB.emit(chatEvent(4, convB, bob, "for B", time.Now()))

	msgs := f.session.Store().Messages()
	if len(msgs) != 1 || msgs[0].Content != "for B" {
		t.Fatalf("expected only B's message, got %+v", msgs)
	}
}

func TestSwitch_StaleHistoryDiscarded(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.api.history[convA] = []chat.Message{{ID: 1, Sender: bob, Content: "old A", CreatedAt: time.Now()}}
	f.api.history[convB] = []chat.Message{{ID: 2, Sender: bob, Content: "B history", CreatedAt: time.Now()}}
	gate := make(chan struct{})
	f.api.historyGate[convA] = gate

	f.session.Select(ctx, convA)
	waitFor(t, "history request for A", func() bool { return f.api.historyCount(convA) == 1 })
	f.session.Select(ctx, convB)
	waitFor(t, "B's history", func() bool { return f.session.Store().Len() == 1 })

	close(gate)
	f.session.Wait()

	msgs := f.session.Store().Messages()
	if len(msgs) != 1 || msgs[0].Content != "B history" {
		t.Fatalf("A's late history replaced B's: %+v", msgs)
	}
}

func TestSelect_LiveMessageSurvivesSlowHistory(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	now := time.Now()
	f.api.history[convA] = []chat.Message{{ID: 1, ConversationID: convA, Sender: bob, Content: "old", CreatedAt: now.Add(-time.Minute)}}
	gate := make(chan struct{})
	f.api.historyGate[convA] = gate

	f.session.Select(ctx, convA)
	waitFor(t, "history request for A", func() bool { return f.api.historyCount(convA) == 1 })
	f.dialer.last().connect()
	f.dialer.last().emit(chatEvent(2, convA, bob, "live while loading", now))
	waitFor(t, "live message", func() bool { return f.session.Store().Len() == 1 })

	close(gate)
	f.session.Wait()

	msgs := f.session.Store().Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected history plus live message, got %+v", msgs)
	}
	if msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Errorf("unexpected order: %+v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Test: Inbound events
// ---------------------------------------------------------------------------

func TestInboundEvents(t *testing.T) {
	f := newFixture(t, testConfig())
	var (
		mu      sync.Mutex
		typing  []protocol.TypingEvent
		errs    []string
		receipt []int64
	)
	f.session.hooks = Hooks{
		OnTyping:      func(ev protocol.TypingEvent) { mu.Lock(); typing = append(typing, ev); mu.Unlock() },
		OnServerError: func(m string) { mu.Lock(); errs = append(errs, m); mu.Unlock() },
		OnReadReceipt: func(id int64) { mu.Lock(); receipt = append(receipt, id); mu.Unlock() },
	}
	f.api.conversations = []conversation.Conversation{
		{ID: convB, OtherParticipant: &chat.User{ID: 3, Username: "carol"}},
		{ID: convA, OtherParticipant: &bob},
	}
	ctx := context.Background()
	f.session.List().LoadAll(ctx)
	f.session.Select(ctx, convA)
	f.session.Wait()
	ch := f.dialer.last()
	ch.connect()

	ch.emit(chatEvent(7, convA, bob, "hey", time.Now()))
	ch.emit(protocol.TypingEvent{UserID: bob.ID, Username: "bob", IsTyping: true})
	ch.emit(protocol.TypingEvent{UserID: alice.ID, Username: "alice", IsTyping: true})
	ch.emit(protocol.ReadReceiptEvent{MessageID: 7})
	ch.emit(protocol.ErrorEvent{Message: "Message cannot be empty"})
	ch.emit(protocol.UnknownEvent{Type: "presence"})

	mu.Lock()
	defer mu.Unlock()
	if len(typing) != 1 || typing[0].UserID != bob.ID {
		t.Errorf("expected one typing event from bob, got %+v", typing)
	}
	if len(errs) != 1 {
		t.Errorf("expected one server error, got %v", errs)
	}
	if len(receipt) != 1 || receipt[0] != 7 {
		t.Errorf("expected read receipt for 7, got %v", receipt)
	}

	all := f.session.List().All()
	if all[0].ID != convA || all[0].LastMessageContent != "hey" || all[0].UnreadCount != 0 {
		t.Errorf("active conversation preview wrong: %+v", all[0])
	}
	if msgs := f.session.Store().Messages(); len(msgs) != 1 || !msgs[0].IsRead {
		t.Errorf("read receipt not applied: %+v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Test: Reconnect with backoff
// ---------------------------------------------------------------------------

func TestReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnects = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.session.Select(ctx, convA)
	f.session.Wait()
	f.dialer.last().fail()
	waitFor(t, "first reconnect", func() bool { return f.dialer.count() == 2 })

	// A successful reconnect reloads history and resets the attempt count.
	before := f.api.historyCount(convA)
	f.dialer.last().connect()
	waitFor(t, "history reload", func() bool { return f.api.historyCount(convA) == before+1 })

	f.dialer.last().fail()
	waitFor(t, "second reconnect", func() bool { return f.dialer.count() == 3 })
	f.dialer.last().fail()
	waitFor(t, "third reconnect", func() bool { return f.dialer.count() == 4 })
	f.dialer.last().fail()

	time.Sleep(150 * time.Millisecond)
	if n := f.dialer.count(); n != 4 {
		t.Errorf("expected reconnects to stop after MaxReconnects, got %d dials", n)
	}
	if f.dialer.violations != 0 {
		t.Errorf("reconnect opened a channel while another was open")
	}
}

func TestReconnect_CancelledBySwitch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnects = 3
	cfg.ReconnectBase = 50 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.session.Select(ctx, convA)
	f.dialer.last().fail()
	f.session.Select(ctx, convB)

	time.Sleep(120 * time.Millisecond)
	if n := f.dialer.count(); n != 2 {
		t.Fatalf("expected no reconnect for A after switching, got %d dials", n)
	}
	if !strings.Contains(f.dialer.last().url, "/chat/200/") {
		t.Errorf("last channel should be B's, got %q", f.dialer.last().url)
	}
}

// ---------------------------------------------------------------------------
// Test: Typing indicator debounce
// ---------------------------------------------------------------------------

func TestTyping_Debounced(t *testing.T) {
	f := newFixture(t, testConfig())
	f.session.Select(context.Background(), convA)

	if err := f.session.Typing(); err != nil {
		t.Fatalf("typing while connecting: %v", err)
	}
	ch := f.dialer.last()
	if len(ch.frames()) != 0 {
		t.Fatalf("typing must not be sent before the channel connects")
	}

	ch.connect()
	for i := 0; i < 3; i++ {
		if err := f.session.Typing(); err != nil {
			t.Fatalf("typing: %v", err)
		}
	}
	if frames := ch.frames(); len(frames) != 1 || frames[0] != protocol.NewTypingMsg(true) {
		t.Fatalf("expected a single typing:true, got %#v", frames)
	}

	waitFor(t, "typing:false", func() bool { return len(ch.frames()) == 2 })
	if frames := ch.frames(); frames[1] != protocol.NewTypingMsg(false) {
		t.Errorf("expected typing:false, got %#v", frames[1])
	}
}

// ---------------------------------------------------------------------------
// Test: Close
// ---------------------------------------------------------------------------

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.session.Select(context.Background(), convA)
	ch := f.dialer.last()

	f.session.Close()
	f.session.Close()

	if !ch.isClosed() {
		t.Fatal("channel not closed")
	}
	if f.session.ConversationID() != 0 || f.session.State() != transport.Disconnected {
		t.Errorf("session not reset: conv=%d state=%s", f.session.ConversationID(), f.session.State())
	}

	ch.emit(chatEvent(1, convA, bob, "late", time.Now()))
	if f.session.Store().Len() != 0 {
		t.Errorf("event applied after close")
	}
	if _, err := f.session.Send(context.Background(), "nobody home"); err == nil {
		t.Errorf("send without a conversation should fail")
	}
}

// ---------------------------------------------------------------------------
// Test: Mark read routing
// ---------------------------------------------------------------------------

func TestMarkRead_UsesLiveWhenConnected(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.session.Select(ctx, convA)
	f.session.Wait()
	ch := f.dialer.last()
	ch.connect()

	restCalls := len(f.api.markReadCalls)
	f.session.MarkRead(ctx)
	f.session.Wait()

	if frames := ch.frames(); len(frames) != 1 || frames[0] != protocol.NewMarkReadMsg(0) {
		t.Errorf("expected a live mark_read, got %#v", frames)
	}
	if len(f.api.markReadCalls) != restCalls {
		t.Errorf("mark read should not use REST while connected")
	}
}

// ---------------------------------------------------------------------------
// Test: Start picks or creates the initial conversation
// ---------------------------------------------------------------------------

func TestStart_SelectsMostRecent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.conversations = []conversation.Conversation{
		{ID: convB, OtherParticipant: &chat.User{ID: 3}},
		{ID: convA, OtherParticipant: &bob},
	}

	id, err := f.session.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != convB || f.session.ConversationID() != convB {
		t.Errorf("expected most recent conversation %d, got %d", convB, id)
	}
}

func TestStart_PreferredUser(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.conversations = []conversation.Conversation{
		{ID: convB, OtherParticipant: &chat.User{ID: 3}},
		{ID: convA, OtherParticipant: &bob},
	}

	id, err := f.session.Start(context.Background(), bob.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != convA {
		t.Errorf("expected bob's conversation %d, got %d", convA, id)
	}
	if len(f.api.createCalls) != 0 {
		t.Errorf("existing conversation must not be recreated")
	}
}

func TestStart_CreatesConversation(t *testing.T) {
	f := newFixture(t, testConfig())

	id, err := f.session.Start(context.Background(), 9)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != 900 || len(f.api.createCalls) != 1 || f.api.createCalls[0] != 9 {
		t.Fatalf("expected conversation 900 created for user 9, got id=%d calls=%v", id, f.api.createCalls)
	}
	if c, ok := f.session.List().Get(900); !ok || c.OtherID() != 9 {
		t.Errorf("created conversation missing from list")
	}
}

func TestStart_Empty(t *testing.T) {
	f := newFixture(t, testConfig())

	id, err := f.session.Start(context.Background(), 0)
	if err != nil || id != 0 {
		t.Fatalf("expected empty state, got id=%d err=%v", id, err)
	}
	if f.dialer.count() != 0 {
		t.Errorf("no channel should open without a conversation")
	}
}
