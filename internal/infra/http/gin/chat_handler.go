package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"

	"bizbridge/internal/app/dto"
	chatservice "bizbridge/internal/app/services/chat"
	"bizbridge/internal/domain/chat"
)

// ChatHTTP exposes the messaging session operations.
type ChatHTTP interface {
	ListConversations(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
	CreateConversation(c *gin.Context)
	DeleteConversation(c *gin.Context)
	Deselect(c *gin.Context)
	UnreadCount(c *gin.Context)
	EndSession(c *gin.Context)
}

// ChatHandler bridges HTTP with the per-viewer messaging sessions.
type ChatHandler struct {
	Sessions *chatservice.Registry
	Logger   *slog.Logger
}

// ListConversations returns one composed page of the viewer's feed.
func (h ChatHandler) ListConversations(c *gin.Context) {
	p, sess, ok := h.session(c)
	if !ok {
		return
	}
	limit := parsePositiveIntStrict(c.Query("limit"), 20)
	offset := parseNonNegativeInt(c.Query("offset"), 0)

	page, stale, err := sess.ListConversations(c.Request.Context(), limit, offset)
	if err != nil && !stale {
		h.respondChatError(c, err, "list conversations", "user_id", p.ID)
		return
	}
	items := make([]dto.Conversation, 0, len(page.Conversations))
	for _, conv := range page.Conversations {
		items = append(items, mapConversation(conv))
	}
	c.JSON(http.StatusOK, envelope(dto.ConversationList{Items: items, HasMore: page.HasMore}, stale, err))
}

// ListMessages selects a conversation and returns its thread. A cursor query
// pages further back within the already-selected conversation.
func (h ChatHandler) ListMessages(c *gin.Context) {
	p, sess, ok := h.session(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	cursor := c.Query("cursor")

	var (
		page  chat.MessagePage
		stale bool
		err   error
	)
	if cursor == "" {
		page, stale, err = sess.SelectConversation(c.Request.Context(), conversationID)
	} else {
		if sess.Selected() != conversationID {
			c.JSON(http.StatusConflict, gin.H{"error": "conversation not selected"})
			return
		}
		page, stale, err = sess.MoreMessages(c.Request.Context(), cursor)
	}
	if err != nil && !stale {
		h.respondChatError(c, err, "list messages", "conversation_id", conversationID, "user_id", p.ID)
		return
	}
	items := make([]dto.ChatMessage, 0, len(page.Messages))
	for _, msg := range page.Messages {
		items = append(items, mapMessage(msg))
	}
	c.JSON(http.StatusOK, envelope(dto.ChatMessageList{Items: items, HasMore: page.HasMore}, stale, err))
}

// SendMessage posts a message to a conversation, selecting it first when the
// viewer sends without having opened the thread.
func (h ChatHandler) SendMessage(c *gin.Context) {
	p, sess, ok := h.session(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if sess.Selected() != conversationID {
		if _, _, err := sess.SelectConversation(c.Request.Context(), conversationID); err != nil &&
			h.Logger != nil {
			// A read failure must not block the mutation.
			h.Logger.Debug("implicit selection before send failed", "conversation_id", conversationID, "error", err)
		}
	}
	msg, err := sess.Send(c.Request.Context(), conversationID, chat.SendMessageInput{
		Content:  req.Content,
		Type:     chat.MessageType(req.MessageType),
		FileURL:  req.FileURL,
		FileName: req.FileName,
		FileSize: req.FileSize,
	})
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", conversationID, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, mapMessage(msg))
}

// MarkRead advances the viewer's read cursor on the selected conversation.
func (h ChatHandler) MarkRead(c *gin.Context) {
	p, sess, ok := h.session(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	if sess.Selected() != conversationID {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation not selected"})
		return
	}
	if err := sess.MarkSelectedConversationRead(c.Request.Context()); err != nil {
		h.respondChatError(c, err, "mark read", "conversation_id", conversationID, "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateConversation starts a thread with at least one other participant.
func (h ChatHandler) CreateConversation(c *gin.Context) {
	p, sess, ok := h.session(c)
	if !ok {
		return
	}
	var req dto.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, err := sess.CreateConversation(c.Request.Context(), chat.CreateConversationInput{
		Title:          req.Title,
		ListingID:      req.ListingID,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		h.respondChatError(c, err, "create conversation", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": gin.H{
		"id":                conv.ID,
		"title":             conv.Title,
		"listing_id":        conv.ListingID,
		"created_at":        conv.CreatedAt,
		"updated_at":        conv.UpdatedAt,
		"participant_count": conv.ParticipantCount,
	}})
}

// DeleteConversation is exposed by the UI but has no backend operation;
// deletion stays unimplemented rather than guessing its semantics.
func (h ChatHandler) DeleteConversation(c *gin.Context) {
	if _, ok := requirePrincipal(c); !ok {
		return
	}
	c.JSON(http.StatusNotImplemented, gin.H{"error": "conversation deletion is not supported"})
}

// Deselect returns the session to idle and closes the per-conversation
// channel.
func (h ChatHandler) Deselect(c *gin.Context) {
	_, sess, ok := h.session(c)
	if !ok {
		return
	}
	sess.Deselect()
	c.Status(http.StatusNoContent)
}

// UnreadCount returns the viewer's aggregate unread total.
func (h ChatHandler) UnreadCount(c *gin.Context) {
	p, sess, ok := h.session(c)
	if !ok {
		return
	}
	count, stale, err := sess.UnreadCount(c.Request.Context())
	if err != nil && !stale {
		h.respondChatError(c, err, "unread count", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, envelope(gin.H{"count": count}, stale, err))
}

// EndSession tears down the viewer's messaging session on sign-out.
func (h ChatHandler) EndSession(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	h.Sessions.End(p.ID)
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) session(c *gin.Context) (principal, *chatservice.Session, bool) {
	p, ok := requirePrincipal(c)
	if !ok {
		return principal{}, nil, false
	}
	if h.Sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "messaging unavailable"})
		return principal{}, nil, false
	}
	sess, err := h.Sessions.Session(c.Request.Context(), p.ID, p.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, nil, false
	}
	return p, sess, true
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	if h.Logger != nil {
		h.Logger.Error("messaging operation failed", append([]any{"action", action, "error", err}, attrs...)...)
	}
	var validation *chat.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "fields": validation.Fields})
	case errors.Is(err, chat.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chatservice.ErrSelectionSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": "selection superseded"})
	case errors.Is(err, chatservice.ErrNoSelection):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation not selected"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "messaging unavailable"})
	}
}

// envelope is the {data, stale, error} read shape. error is set only when the
// data shown may be stale because the refresh behind it failed.
func envelope(data any, stale bool, err error) gin.H {
	body := gin.H{"data": data, "stale": stale}
	if err != nil {
		body["error"] = "data may be stale"
	} else {
		body["error"] = nil
	}
	return body
}

func mapConversation(conv chat.ConversationSummary) dto.Conversation {
	participants := make([]dto.Participant, 0, len(conv.Participants))
	for _, participant := range conv.Participants {
		participants = append(participants, dto.Participant{
			UserID:      participant.UserID,
			Role:        string(participant.Role),
			DisplayName: participant.DisplayName,
			AvatarURL:   participant.AvatarURL,
		})
	}
	out := dto.Conversation{
		ID:               conv.ID,
		Title:            conv.Title,
		ListingID:        conv.ListingID,
		CreatedAt:        conv.CreatedAt,
		UpdatedAt:        conv.UpdatedAt,
		ParticipantCount: conv.ParticipantCount,
		UnreadCount:      conv.UnreadCount,
		Participants:     participants,
	}
	if conv.LastMessage != nil {
		out.LastMessage = &dto.LastMessage{
			ID:          conv.LastMessage.ID,
			Content:     conv.LastMessage.Content,
			MessageType: string(conv.LastMessage.Type),
			Sender: dto.Sender{
				ID:          conv.LastMessage.Sender.ID,
				DisplayName: conv.LastMessage.Sender.DisplayName,
				AvatarURL:   conv.LastMessage.Sender.AvatarURL,
			},
			CreatedAt: conv.LastMessage.CreatedAt,
		}
	}
	return out
}

func mapMessage(msg chat.Message) dto.ChatMessage {
	return dto.ChatMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		MessageType:    string(msg.Type),
		FileURL:        msg.FileURL,
		FileName:       msg.FileName,
		FileSize:       msg.FileSize,
		IsRead:         msg.IsRead,
		ReadAt:         msg.ReadAt,
		CreatedAt:      msg.CreatedAt,
	}
}

func parsePositiveIntStrict(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func parseNonNegativeInt(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return def
	}
	return value
}

var _ ChatHTTP = (*ChatHandler)(nil)
