package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bizbridge/internal/domain/chat"
)

// EventType of a change notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is one change notification. Row is a partial snapshot and is never
// trusted as cache content; handlers translate events into invalidations only.
type Event struct {
	Type  EventType       `json:"event_type"`
	Table string          `json:"table"`
	SubID string          `json:"sub_id"`
	Row   json.RawMessage `json:"row"`
}

// Handler consumes events for one subscription. Handlers run on the read loop
// goroutine, in arrival order.
type Handler func(Event)

type frame struct {
	Op     string `json:"op"`
	SubID  string `json:"sub_id"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// Subscriber holds one websocket connection to the backend's change feed and
// multiplexes any number of scoped subscriptions over it.
type Subscriber struct {
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]Handler
	closed   bool
	done     chan struct{}
}

// Dial opens the change feed for one authenticated session and starts reading.
func Dial(ctx context.Context, wsURL, token string, logger *slog.Logger) (*Subscriber, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, &chat.ChannelError{Scope: "session", Err: err}
	}
	s := &Subscriber{
		logger:   logger,
		conn:     conn,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Subscribe opens a scoped channel: events from table matching filter are
// delivered to h. The returned close func releases the subscription and must
// be called when the scope ends; leaking it causes duplicate invalidations.
func (s *Subscriber) Subscribe(table, filter string, h Handler) (func(), error) {
	subID := uuid.NewString()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &chat.ChannelError{Scope: table, Err: errSubscriberClosed}
	}
	s.handlers[subID] = h
	err := s.conn.WriteJSON(frame{Op: "subscribe", SubID: subID, Table: table, Filter: filter})
	if err != nil {
		delete(s.handlers, subID)
		s.mu.Unlock()
		return nil, &chat.ChannelError{Scope: table, Err: err}
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(subID) })
	}, nil
}

func (s *Subscriber) unsubscribe(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[subID]; !ok {
		return
	}
	delete(s.handlers, subID)
	if s.closed {
		return
	}
	if err := s.conn.WriteJSON(frame{Op: "unsubscribe", SubID: subID}); err != nil && s.logger != nil {
		s.logger.Warn("unsubscribe write failed", "sub_id", subID, "error", err)
	}
}

func (s *Subscriber) readLoop() {
	defer close(s.done)
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.logger != nil {
				s.logger.Warn("change feed closed, freshness degrades to staleness window", "error", err)
			}
			return
		}
		s.mu.Lock()
		h := s.handlers[ev.SubID]
		s.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}

// Close tears down the connection and every subscription on it.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handlers = make(map[string]Handler)
	err := s.conn.Close()
	s.mu.Unlock()
	<-s.done
	return err
}

var errSubscriberClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "realtime: subscriber closed" }
