package chatservice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bizbridge/internal/app/cache"
	"bizbridge/internal/domain/chat"
	"bizbridge/internal/infra/realtime"
)

// State of a session's conversation selection.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrSelectionSuperseded is returned when a message fetch resolves after the
// viewer has already switched to another conversation. The late result is
// discarded, never applied.
var ErrSelectionSuperseded = errors.New("chat: selection superseded")

// ErrNoSelection is returned by operations that require a selected
// conversation.
var ErrNoSelection = errors.New("chat: no conversation selected")

// Options tune a session's cache staleness windows and feed page size.
type Options struct {
	ConversationStaleTime time.Duration
	MessageStaleTime      time.Duration
	UnreadStaleTime       time.Duration
	PageLimit             int
	RefreshTimeout        time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConversationStaleTime <= 0 {
		o.ConversationStaleTime = 30 * time.Second
	}
	if o.MessageStaleTime <= 0 {
		o.MessageStaleTime = 15 * time.Second
	}
	if o.UnreadStaleTime <= 0 {
		o.UnreadStaleTime = 30 * time.Second
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 20
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 10 * time.Second
	}
	return o
}

// Session binds repository, cache and change feed to one authenticated viewer
// and at most one selected conversation. All mutation of selection state goes
// through its mutex; staleness decisions are applied against the current
// selection at apply time, not at request time.
type Session struct {
	viewerID string
	repo     Repository
	composer *Composer
	cache    *cache.Cache
	rt       Realtime
	logger   *slog.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	token        string
	state        State
	selected     string
	closeConv    func()
	viewerCloses []func()
	lastLimit    int
	stopWatch    func()
}

func startSession(ctx context.Context, viewerID, token string, repo Repository, rt Realtime, logger *slog.Logger, opts Options) *Session {
	opts = opts.withDefaults()
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		viewerID:  viewerID,
		token:     token,
		repo:      repo,
		composer:  &Composer{Repo: repo, Logger: logger},
		cache:     cache.New(logger, 0),
		rt:        rt,
		logger:    logger,
		opts:      opts,
		ctx:       sessionCtx,
		cancel:    cancel,
		state:     StateIdle,
		lastLimit: opts.PageLimit,
	}
	s.openViewerChannels()

	watchCh, stopWatch := s.cache.Watch("")
	s.stopWatch = stopWatch
	go s.refreshLoop(watchCh)
	return s
}

// openViewerChannels subscribes the session-lifetime scopes: any message
// event in a conversation the viewer participates in, and any participant row
// naming the viewer (being added to a conversation by someone else). Failure
// is non-fatal; freshness then relies on the staleness window alone.
func (s *Session) openViewerChannels() {
	if s.rt == nil {
		return
	}
	closeMessages, err := s.rt.Subscribe("messages", "participant="+s.viewerID, func(ev realtime.Event) {
		s.cache.Invalidate(cache.ConversationListPrefix(s.viewerID))
		s.cache.Invalidate(cache.UnreadCountKey(s.viewerID))
	})
	if err != nil {
		s.warnChannel("viewer messages", err)
	} else {
		s.viewerCloses = append(s.viewerCloses, closeMessages)
	}

	closeParticipants, err := s.rt.Subscribe("participants", "user_id="+s.viewerID, func(ev realtime.Event) {
		s.cache.Invalidate(cache.ConversationListPrefix(s.viewerID))
	})
	if err != nil {
		s.warnChannel("viewer participants", err)
	} else {
		s.viewerCloses = append(s.viewerCloses, closeParticipants)
	}
}

func (s *Session) warnChannel(scope string, err error) {
	if s.logger != nil {
		s.logger.Warn("change channel unavailable", "scope", scope, "viewer_id", s.viewerID, "error", err)
	}
}

// ViewerID identifies the session's authenticated viewer.
func (s *Session) ViewerID() string { return s.viewerID }

// State reports the selection state machine's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selected returns the currently selected conversation id, or "".
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ListConversations reads one composed page of the viewer's feed. When err is
// non-nil and stale is true, page holds the last good value.
func (s *Session) ListConversations(ctx context.Context, limit, offset int) (page chat.ConversationPage, stale bool, err error) {
	if limit <= 0 {
		limit = s.opts.PageLimit
	}
	s.mu.Lock()
	s.lastLimit = limit
	token := s.token
	s.mu.Unlock()

	key := cache.ConversationListKey(s.viewerID, limit, offset)
	res := s.cache.Read(ctx, key, s.opts.ConversationStaleTime, func(ctx context.Context) (any, error) {
		return s.composer.ListConversations(ctx, token, s.viewerID, limit, offset)
	})
	if res.Data == nil {
		return chat.ConversationPage{}, false, res.Err
	}
	return res.Data.(chat.ConversationPage), res.Stale, res.Err
}

// SelectConversation makes id the selected conversation: the prior
// conversation's channel closes, a new one opens, and the thread is fetched.
// If the selection changes again before the fetch settles, the late result is
// discarded and ErrSelectionSuperseded returned. On success the conversation
// is marked read, after the messages have settled.
func (s *Session) SelectConversation(ctx context.Context, id string) (chat.MessagePage, bool, error) {
	if id == "" {
		return chat.MessagePage{}, false, chat.NewValidationError("conversation_id", "conversation id is required")
	}
	s.mu.Lock()
	if s.closeConv != nil {
		s.closeConv()
		s.closeConv = nil
	}
	s.selected = id
	s.state = StateLoading
	token := s.token
	s.mu.Unlock()

	if closeFn, err := s.subscribeConversation(id); err != nil {
		s.warnChannel("conversation", err)
	} else {
		s.mu.Lock()
		if s.selected == id {
			s.closeConv = closeFn
		} else {
			closeFn()
		}
		s.mu.Unlock()
	}

	res := s.cache.Read(ctx, cache.MessageListKey(id, ""), s.opts.MessageStaleTime, func(ctx context.Context) (any, error) {
		return s.repo.ListMessages(ctx, token, id, "")
	})

	s.mu.Lock()
	if s.selected != id {
		s.mu.Unlock()
		return chat.MessagePage{}, false, ErrSelectionSuperseded
	}
	if res.Data == nil {
		s.state = StateErrored
		s.mu.Unlock()
		return chat.MessagePage{}, false, res.Err
	}
	s.state = StateReady
	s.mu.Unlock()

	if res.Err == nil {
		if err := s.MarkSelectedConversationRead(ctx); err != nil &&
			!errors.Is(err, ErrNoSelection) && s.logger != nil {
			s.logger.Warn("mark read failed", "conversation_id", id, "error", err)
		}
	}
	return res.Data.(chat.MessagePage), res.Stale, res.Err
}

// MoreMessages reads an older page of the selected thread.
func (s *Session) MoreMessages(ctx context.Context, cursor string) (chat.MessagePage, bool, error) {
	s.mu.Lock()
	id := s.selected
	token := s.token
	s.mu.Unlock()
	if id == "" {
		return chat.MessagePage{}, false, ErrNoSelection
	}
	res := s.cache.Read(ctx, cache.MessageListKey(id, cursor), s.opts.MessageStaleTime, func(ctx context.Context) (any, error) {
		return s.repo.ListMessages(ctx, token, id, cursor)
	})
	if res.Data == nil {
		return chat.MessagePage{}, false, res.Err
	}
	return res.Data.(chat.MessagePage), res.Stale, res.Err
}

// Deselect returns the session to Idle and releases the per-conversation
// channel.
func (s *Session) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeConv != nil {
		s.closeConv()
		s.closeConv = nil
	}
	s.selected = ""
	s.state = StateIdle
}

// Send posts a message to conversationID, or to the selected conversation
// when conversationID is empty. The target is pinned here, not re-read from
// the selection, so a concurrent selection switch cannot reroute the message
// into another thread. Success invalidates the thread and feed caches so the
// next read shows the server's canonical state; no optimistic message object
// is fabricated. Failure is returned unchanged so the caller can keep the
// input for retry.
func (s *Session) Send(ctx context.Context, conversationID string, in chat.SendMessageInput) (chat.Message, error) {
	s.mu.Lock()
	id := conversationID
	if id == "" {
		id = s.selected
	}
	token := s.token
	s.mu.Unlock()
	if id == "" {
		return chat.Message{}, ErrNoSelection
	}
	msg, err := s.repo.SendMessage(ctx, token, id, in)
	if err != nil {
		return chat.Message{}, err
	}
	s.cache.Invalidate(cache.MessageListPrefix(id))
	s.cache.Invalidate(cache.ConversationListPrefix(s.viewerID))
	return msg, nil
}

// MarkSelectedConversationRead advances the viewer's read cursor on the
// selected conversation to now. Runs after the message fetch settles, never
// before, so it cannot race the unread-count derivation.
func (s *Session) MarkSelectedConversationRead(ctx context.Context) error {
	s.mu.Lock()
	id := s.selected
	token := s.token
	s.mu.Unlock()
	if id == "" {
		return ErrNoSelection
	}
	if err := s.repo.MarkRead(ctx, token, id, time.Now()); err != nil {
		return err
	}
	s.cache.Invalidate(cache.ConversationListPrefix(s.viewerID))
	s.cache.Invalidate(cache.UnreadCountKey(s.viewerID))
	return nil
}

// CreateConversation starts a new thread and invalidates the feed so it
// appears without a manual refetch.
func (s *Session) CreateConversation(ctx context.Context, in chat.CreateConversationInput) (chat.Conversation, error) {
	conv, err := s.repo.CreateConversation(ctx, s.currentToken(), in)
	if err != nil {
		return chat.Conversation{}, err
	}
	s.cache.Invalidate(cache.ConversationListPrefix(s.viewerID))
	return conv, nil
}

// UnreadCount reads the viewer's aggregate unread total.
func (s *Session) UnreadCount(ctx context.Context) (int, bool, error) {
	token := s.currentToken()
	res := s.cache.Read(ctx, cache.UnreadCountKey(s.viewerID), s.opts.UnreadStaleTime, func(ctx context.Context) (any, error) {
		return s.repo.UnreadCount(ctx, token)
	})
	if res.Data == nil {
		return 0, false, res.Err
	}
	return res.Data.(int), res.Stale, res.Err
}

func (s *Session) subscribeConversation(id string) (func(), error) {
	if s.rt == nil {
		return nil, &chat.ChannelError{Scope: "conversation"}
	}
	return s.rt.Subscribe("messages", "conversation_id="+id, func(ev realtime.Event) {
		// Event payloads are partial; never copied into the cache. An insert
		// also touches the feed's last-message and unread projections, an
		// update (read-state flip) only the thread.
		s.cache.Invalidate(cache.MessageListPrefix(id))
		if ev.Type == realtime.EventInsert {
			s.cache.Invalidate(cache.ConversationListPrefix(s.viewerID))
		}
	})
}

// refreshLoop turns coalesced invalidation notifications into background
// refetches so the cache is warm before the next read. Background refresh
// failures are silent; the prior data stays visible.
func (s *Session) refreshLoop(watchCh <-chan string) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case prefix, ok := <-watchCh:
			if !ok {
				return
			}
			s.refresh(prefix)
		}
	}
}

func (s *Session) refresh(prefix string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RefreshTimeout)
	defer cancel()

	s.mu.Lock()
	selected := s.selected
	limit := s.lastLimit
	token := s.token
	s.mu.Unlock()

	var err error
	switch {
	case strings.HasPrefix(prefix, "messages/"):
		if selected == "" || prefix != cache.MessageListPrefix(selected) {
			return
		}
		res := s.cache.Read(ctx, cache.MessageListKey(selected, ""), s.opts.MessageStaleTime, func(ctx context.Context) (any, error) {
			return s.repo.ListMessages(ctx, token, selected, "")
		})
		err = res.Err
	case strings.HasPrefix(prefix, "conversations/"):
		res := s.cache.Read(ctx, cache.ConversationListKey(s.viewerID, limit, 0), s.opts.ConversationStaleTime, func(ctx context.Context) (any, error) {
			return s.composer.ListConversations(ctx, token, s.viewerID, limit, 0)
		})
		err = res.Err
	case strings.HasPrefix(prefix, "unread/"):
		res := s.cache.Read(ctx, cache.UnreadCountKey(s.viewerID), s.opts.UnreadStaleTime, func(ctx context.Context) (any, error) {
			return s.repo.UnreadCount(ctx, token)
		})
		err = res.Err
	}
	if err != nil && s.logger != nil {
		s.logger.Debug("background refresh failed", "prefix", prefix, "error", err)
	}
}

// close releases every resource the session acquired: the per-conversation
// channel, the viewer channels, the cache watcher and the change feed
// connection.
func (s *Session) close() {
	s.mu.Lock()
	if s.closeConv != nil {
		s.closeConv()
		s.closeConv = nil
	}
	viewerCloses := s.viewerCloses
	s.viewerCloses = nil
	s.selected = ""
	s.state = StateIdle
	s.mu.Unlock()

	for _, closeFn := range viewerCloses {
		closeFn()
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.cancel()
	s.cache.Close()
	if s.rt != nil {
		if err := s.rt.Close(); err != nil && s.logger != nil {
			s.logger.Warn("change feed close failed", "viewer_id", s.viewerID, "error", err)
		}
	}
}
