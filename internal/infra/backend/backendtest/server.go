// Package backendtest provides an in-memory stand-in for the marketplace
// backend: the REST surface the repository client consumes plus a websocket
// change feed. Tests seed it directly and point real clients at it.
package backendtest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Member seeds a conversation participant.
type Member struct {
	ID   string
	Name string
	Role string
}

type participant struct {
	UserID      string
	Role        string
	DisplayName string
}

type message struct {
	ID          string
	SenderID    string
	SenderName  string
	Content     string
	MessageType string
	FileURL     string
	FileName    string
	FileSize    int64
	CreatedAt   time.Time
}

type conversation struct {
	ID           string
	Title        string
	ListingID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []participant
	Messages     []message
	ReadAt       map[string]time.Time
}

type subscription struct {
	Table  string
	Filter string
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]subscription
}

func (c *wsClient) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server is the fake backend.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conversations map[string]*conversation
	clients       map[*wsClient]struct{}
	tokens        map[string]string
	failUnread    bool
}

// New starts the fake backend.
func New() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		conversations: make(map[string]*conversation),
		clients:       make(map[*wsClient]struct{}),
		tokens:        make(map[string]string),
	}
	router := gin.New()
	router.GET("/conversations", s.listConversations)
	router.POST("/conversations", s.createConversation)
	router.GET("/conversations/participants", s.listParticipants)
	router.GET("/conversations/:id/messages", s.listMessages)
	router.POST("/conversations/:id/messages", s.sendMessage)
	router.PATCH("/conversations/:id/read", s.markRead)
	router.POST("/rpc/get_unread_count", s.unreadCount)
	router.GET("/realtime", s.realtime)
	s.srv = httptest.NewServer(router)
	return s
}

// URL is the REST base url.
func (s *Server) URL() string { return s.srv.URL }

// RealtimeURL is the websocket change feed url.
func (s *Server) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/realtime"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for client := range s.clients {
		client.conn.Close()
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()
	s.srv.Close()
}

// FailUnread makes the unread-count RPC return 500 until reset; used to
// exercise stale-but-present reads.
func (s *Server) FailUnread(fail bool) {
	s.mu.Lock()
	s.failUnread = fail
	s.mu.Unlock()
}

// Broadcast pushes a synthetic change event to matching subscriptions, for
// tests that need an event without driving it through a REST mutation.
func (s *Server) Broadcast(table, eventType, conversationID, rowUser string) {
	s.broadcast(table, eventType, conversationID, rowUser, gin.H{
		"conversation_id": conversationID,
		"user_id":         rowUser,
	})
}

// Seed creates a conversation directly in the store and returns its id.
func (s *Server) Seed(title, listingID string, at time.Time, members ...Member) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := &conversation{
		ID:        uuid.NewString(),
		Title:     title,
		ListingID: listingID,
		CreatedAt: at,
		UpdatedAt: at,
		ReadAt:    make(map[string]time.Time),
	}
	for _, m := range members {
		role := m.Role
		if role == "" {
			role = "participant"
		}
		conv.Participants = append(conv.Participants, participant{UserID: m.ID, Role: role, DisplayName: m.Name})
	}
	s.conversations[conv.ID] = conv
	return conv.ID
}

// SeedMessage appends a message directly to the store and returns its id.
func (s *Server) SeedMessage(conversationID, senderID, content string, at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[conversationID]
	if conv == nil {
		return ""
	}
	msg := message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		SenderName:  s.displayNameLocked(conv, senderID),
		Content:     content,
		MessageType: "text",
		CreatedAt:   at,
	}
	conv.Messages = append(conv.Messages, msg)
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	return msg.ID
}

func (s *Server) displayNameLocked(conv *conversation, userID string) string {
	for _, p := range conv.Participants {
		if p.UserID == userID {
			return p.DisplayName
		}
	}
	return ""
}

// RegisterToken maps an opaque bearer token to a viewer id, mimicking the
// session lookup the real backend performs.
func (s *Server) RegisterToken(token, viewerID string) {
	s.mu.Lock()
	s.tokens[token] = viewerID
	s.mu.Unlock()
}

// Unregistered tokens resolve to themselves, so plain-id tokens work without
// ceremony. Token validation belongs to the real auth collaborator, not here.
func (s *Server) viewer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	raw := strings.TrimSpace(header[7:])
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tokens[raw]; ok {
		return id
	}
	return raw
}

func unreadFor(conv *conversation, viewerID string) int {
	cursor, hasCursor := conv.ReadAt[viewerID]
	count := 0
	for _, msg := range conv.Messages {
		if msg.SenderID == viewerID {
			continue
		}
		if !hasCursor || msg.CreatedAt.After(cursor) {
			count++
		}
	}
	return count
}

func (s *Server) viewerConversationsLocked(viewerID string) []*conversation {
	conversations := make([]*conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		for _, p := range conv.Participants {
			if p.UserID == viewerID {
				conversations = append(conversations, conv)
				break
			}
		}
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations
}

func (s *Server) listConversations(c *gin.Context) {
	viewerID := s.viewer(c)
	if viewerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	conversations := s.viewerConversationsLocked(viewerID)
	total := len(conversations)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	rows := make([]gin.H, 0, end-offset)
	for _, conv := range conversations[offset:end] {
		row := gin.H{
			"id":                conv.ID,
			"title":             conv.Title,
			"listing_id":        conv.ListingID,
			"created_at":        conv.CreatedAt,
			"updated_at":        conv.UpdatedAt,
			"participant_count": len(conv.Participants),
			"unread_count":      unreadFor(conv, viewerID),
		}
		if n := len(conv.Messages); n > 0 {
			last := conv.Messages[n-1]
			row["last_message_id"] = last.ID
			row["last_message_content"] = last.Content
			row["last_message_type"] = last.MessageType
			row["last_message_sender_id"] = last.SenderID
			row["last_message_sender_name"] = last.SenderName
			row["last_message_at"] = last.CreatedAt
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": rows, "has_more": end < total})
}

func (s *Server) listParticipants(c *gin.Context) {
	if s.viewer(c) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	ids := strings.Split(c.Query("ids"), ",")
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]gin.H, 0)
	for _, id := range ids {
		conv := s.conversations[strings.TrimSpace(id)]
		if conv == nil {
			continue
		}
		for _, p := range conv.Participants {
			rows = append(rows, gin.H{
				"conversation_id": conv.ID,
				"user_id":         p.UserID,
				"role":            p.Role,
				"display_name":    p.DisplayName,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"participants": rows})
}

func (s *Server) listMessages(c *gin.Context) {
	viewerID := s.viewer(c)
	if viewerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[c.Param("id")]
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	rows := make([]gin.H, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		cursor, hasCursor := conv.ReadAt[viewerID]
		isRead := msg.SenderID == viewerID || (hasCursor && !msg.CreatedAt.After(cursor))
		rows = append(rows, gin.H{
			"id":              msg.ID,
			"conversation_id": conv.ID,
			"sender_id":       msg.SenderID,
			"sender_name":     msg.SenderName,
			"content":         msg.Content,
			"message_type":    msg.MessageType,
			"file_url":        msg.FileURL,
			"file_name":       msg.FileName,
			"file_size":       msg.FileSize,
			"is_read":         isRead,
			"created_at":      msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": rows, "has_more": false})
}

func (s *Server) sendMessage(c *gin.Context) {
	viewerID := s.viewer(c)
	if viewerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	var req struct {
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
		FileURL     string `json:"file_url"`
		FileName    string `json:"file_name"`
		FileSize    int64  `json:"file_size"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "fields": gin.H{"body": "malformed json"}})
		return
	}
	if req.MessageType == "" {
		req.MessageType = "text"
	}
	if req.MessageType == "text" && strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid payload",
			"fields": gin.H{"content": "content is required"},
		})
		return
	}

	s.mu.Lock()
	conv := s.conversations[c.Param("id")]
	if conv == nil {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	now := time.Now()
	msg := message{
		ID:          uuid.NewString(),
		SenderID:    viewerID,
		SenderName:  s.displayNameLocked(conv, viewerID),
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     req.FileURL,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		CreatedAt:   now,
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now
	convID := conv.ID
	s.mu.Unlock()

	s.broadcast("messages", "insert", convID, "", gin.H{
		"id":              msg.ID,
		"conversation_id": convID,
		"sender_id":       msg.SenderID,
		"created_at":      msg.CreatedAt,
	})

	c.JSON(http.StatusCreated, gin.H{
		"id":              msg.ID,
		"conversation_id": convID,
		"sender_id":       msg.SenderID,
		"sender_name":     msg.SenderName,
		"content":         msg.Content,
		"message_type":    msg.MessageType,
		"file_url":        msg.FileURL,
		"file_name":       msg.FileName,
		"file_size":       msg.FileSize,
		"is_read":         false,
		"created_at":      msg.CreatedAt,
	})
}

func (s *Server) markRead(c *gin.Context) {
	viewerID := s.viewer(c)
	if viewerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	var req struct {
		ReadAt time.Time `json:"read_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ReadAt.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "fields": gin.H{"read_at": "timestamp required"}})
		return
	}
	s.mu.Lock()
	conv := s.conversations[c.Param("id")]
	if conv == nil {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	conv.ReadAt[viewerID] = req.ReadAt
	convID := conv.ID
	s.mu.Unlock()

	s.broadcast("messages", "update", convID, "", gin.H{
		"conversation_id": convID,
		"user_id":         viewerID,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) createConversation(c *gin.Context) {
	viewerID := s.viewer(c)
	if viewerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	var req struct {
		Title          string   `json:"title"`
		ListingID      string   `json:"listing_id"`
		ParticipantIDs []string `json:"participant_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ParticipantIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid payload",
			"fields": gin.H{"participant_ids": "at least one participant is required"},
		})
		return
	}

	now := time.Now()
	conv := &conversation{
		ID:        uuid.NewString(),
		Title:     req.Title,
		ListingID: req.ListingID,
		CreatedAt: now,
		UpdatedAt: now,
		ReadAt:    make(map[string]time.Time),
	}
	conv.Participants = append(conv.Participants, participant{UserID: viewerID, Role: "admin"})
	for _, id := range req.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == viewerID {
			continue
		}
		duplicate := false
		for _, p := range conv.Participants {
			if p.UserID == id {
				duplicate = true
				break
			}
		}
		if !duplicate {
			conv.Participants = append(conv.Participants, participant{UserID: id, Role: "participant"})
		}
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	for _, p := range conv.Participants {
		s.broadcast("participants", "insert", conv.ID, p.UserID, gin.H{
			"conversation_id": conv.ID,
			"user_id":         p.UserID,
		})
	}

	c.JSON(http.StatusCreated, gin.H{"conversation": gin.H{
		"id":                conv.ID,
		"title":             conv.Title,
		"listing_id":        conv.ListingID,
		"created_at":        conv.CreatedAt,
		"updated_at":        conv.UpdatedAt,
		"participant_count": len(conv.Participants),
	}})
}

func (s *Server) unreadCount(c *gin.Context) {
	viewerID := s.viewer(c)
	if viewerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	s.mu.Lock()
	if s.failUnread {
		s.mu.Unlock()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "aggregate query failed"})
		return
	}
	total := 0
	for _, conv := range s.viewerConversationsLocked(viewerID) {
		total += unreadFor(conv, viewerID)
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, total)
}

func (s *Server) realtime(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, subs: make(map[string]subscription)}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame struct {
			Op     string `json:"op"`
			SubID  string `json:"sub_id"`
			Table  string `json:"table"`
			Filter string `json:"filter"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		client.mu.Lock()
		switch frame.Op {
		case "subscribe":
			client.subs[frame.SubID] = subscription{Table: frame.Table, Filter: frame.Filter}
		case "unsubscribe":
			delete(client.subs, frame.SubID)
		}
		client.mu.Unlock()
	}
}

// broadcast fans an event out to every subscription whose table and filter
// match. rowUser is the user a participants-row event names.
func (s *Server) broadcast(table, eventType, conversationID, rowUser string, row gin.H) {
	s.mu.Lock()
	conv := s.conversations[conversationID]
	members := make(map[string]bool)
	if conv != nil {
		for _, p := range conv.Participants {
			members[p.UserID] = true
		}
	}
	clients := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		client.mu.Lock()
		subs := make(map[string]subscription, len(client.subs))
		for id, sub := range client.subs {
			subs[id] = sub
		}
		client.mu.Unlock()
		for subID, sub := range subs {
			if sub.Table != table {
				continue
			}
			if !filterMatches(sub.Filter, conversationID, members, rowUser) {
				continue
			}
			_ = client.write(gin.H{
				"event_type": eventType,
				"table":      table,
				"sub_id":     subID,
				"row":        row,
			})
		}
	}
}

func filterMatches(filter, conversationID string, members map[string]bool, rowUser string) bool {
	if filter == "" {
		return true
	}
	key, value, ok := strings.Cut(filter, "=")
	if !ok {
		return false
	}
	switch key {
	case "conversation_id":
		return value == conversationID
	case "participant":
		return members[value]
	case "user_id":
		return value == rowUser
	default:
		return false
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def
	}
	value := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return def
		}
		value = value*10 + int(r-'0')
	}
	if value <= 0 && name == "limit" {
		return def
	}
	return value
}
