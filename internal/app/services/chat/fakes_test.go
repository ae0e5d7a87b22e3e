package chatservice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"bizbridge/internal/domain/chat"
	"bizbridge/internal/infra/realtime"
)

// fakeRepo implements Repository with per-test function overrides.
type fakeRepo struct {
	mu    sync.Mutex
	calls []string

	listConversations  func(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error)
	listParticipants   func(ctx context.Context, token, viewerID string, ids []string) (map[string][]chat.Participant, error)
	listMessages       func(ctx context.Context, token, conversationID, cursor string) (chat.MessagePage, error)
	sendMessage        func(ctx context.Context, token, conversationID string, in chat.SendMessageInput) (chat.Message, error)
	markRead           func(ctx context.Context, token, conversationID string, readAt time.Time) error
	createConversation func(ctx context.Context, token string, in chat.CreateConversationInput) (chat.Conversation, error)
	unreadCount        func(ctx context.Context, token string) (int, error)
}

func (f *fakeRepo) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRepo) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRepo) countCalls(name string) int {
	n := 0
	for _, call := range f.callLog() {
		if call == name {
			n++
		}
	}
	return n
}

func (f *fakeRepo) ListConversations(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
	f.record("list conversations")
	if f.listConversations == nil {
		return nil, false, nil
	}
	return f.listConversations(ctx, token, limit, offset)
}

func (f *fakeRepo) ListParticipants(ctx context.Context, token, viewerID string, ids []string) (map[string][]chat.Participant, error) {
	f.record("list participants")
	if f.listParticipants == nil {
		return map[string][]chat.Participant{}, nil
	}
	return f.listParticipants(ctx, token, viewerID, ids)
}

func (f *fakeRepo) ListMessages(ctx context.Context, token, conversationID, cursor string) (chat.MessagePage, error) {
	f.record("list messages " + conversationID)
	if f.listMessages == nil {
		return chat.MessagePage{}, nil
	}
	return f.listMessages(ctx, token, conversationID, cursor)
}

func (f *fakeRepo) SendMessage(ctx context.Context, token, conversationID string, in chat.SendMessageInput) (chat.Message, error) {
	f.record("send " + conversationID)
	if f.sendMessage == nil {
		return chat.Message{}, nil
	}
	return f.sendMessage(ctx, token, conversationID, in)
}

func (f *fakeRepo) MarkRead(ctx context.Context, token, conversationID string, readAt time.Time) error {
	f.record("mark read " + conversationID)
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx, token, conversationID, readAt)
}

func (f *fakeRepo) CreateConversation(ctx context.Context, token string, in chat.CreateConversationInput) (chat.Conversation, error) {
	f.record("create conversation")
	if f.createConversation == nil {
		return chat.Conversation{}, nil
	}
	return f.createConversation(ctx, token, in)
}

func (f *fakeRepo) UnreadCount(ctx context.Context, token string) (int, error) {
	f.record("unread count")
	if f.unreadCount == nil {
		return 0, nil
	}
	return f.unreadCount(ctx, token)
}

// fakeRealtime implements Realtime in-process; tests fire events by hand.
type fakeRealtime struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*fakeSub
	closed bool
}

type fakeSub struct {
	table   string
	filter  string
	handler realtime.Handler
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{subs: make(map[int]*fakeSub)}
}

func (f *fakeRealtime) Subscribe(table, filter string, h realtime.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = &fakeSub{table: table, filter: filter, handler: h}
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRealtime) Close() error {
	f.mu.Lock()
	f.closed = true
	f.subs = make(map[int]*fakeSub)
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtime) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// emit delivers an event to every subscription on table whose filter matches.
func (f *fakeRealtime) emit(table, filter string, ev realtime.Event) {
	f.mu.Lock()
	handlers := make([]realtime.Handler, 0)
	for _, sub := range f.subs {
		if sub.table == table && sub.filter == filter {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeRealtime) activeFilters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	filters := make([]string, 0, len(f.subs))
	for _, sub := range f.subs {
		filters = append(filters, sub.filter)
	}
	return filters
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		ConversationStaleTime: time.Hour,
		MessageStaleTime:      time.Hour,
		UnreadStaleTime:       time.Hour,
		PageLimit:             20,
		RefreshTimeout:        time.Second,
	}
}
