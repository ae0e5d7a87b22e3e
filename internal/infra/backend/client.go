package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bizbridge/internal/domain/chat"
	"bizbridge/internal/infra/obs"
)

// Config defines backend client settings.
type Config struct {
	BaseURL     string
	CallTimeout time.Duration
}

// Client is the thin conversation/message repository: it translates intents
// into backend calls and performs no caching, retry or merge logic of its own.
type Client struct {
	http        *http.Client
	baseURL     string
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient validates the config and returns a typed client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base url required")
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Client{
		http:        &http.Client{},
		baseURL:     base,
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

type conversationRow struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title,omitempty"`
	ListingID             string     `json:"listing_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	ParticipantCount      int        `json:"participant_count"`
	UnreadCount           int        `json:"unread_count"`
	LastMessageID         string     `json:"last_message_id,omitempty"`
	LastMessageContent    string     `json:"last_message_content,omitempty"`
	LastMessageType       string     `json:"last_message_type,omitempty"`
	LastMessageSenderID   string     `json:"last_message_sender_id,omitempty"`
	LastMessageSenderName string     `json:"last_message_sender_name,omitempty"`
	LastMessageAt         *time.Time `json:"last_message_at,omitempty"`
}

type participantRow struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

type messageRow struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name,omitempty"`
	Content        string     `json:"content"`
	MessageType    string     `json:"message_type"`
	FileURL        string     `json:"file_url,omitempty"`
	FileName       string     `json:"file_name,omitempty"`
	FileSize       int64      `json:"file_size,omitempty"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ListConversations fetches one page of the viewer's aggregate conversation
// feed. HasMore is the returned-count-equals-limit heuristic; the backend does
// not report an exact total.
func (c *Client) ListConversations(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
	var resp struct {
		Conversations []conversationRow `json:"conversations"`
		HasMore       bool              `json:"has_more"`
	}
	path := fmt.Sprintf("/conversations?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &resp, "list conversations"); err != nil {
		return nil, false, err
	}
	records := make([]chat.ConversationRecord, 0, len(resp.Conversations))
	for _, row := range resp.Conversations {
		records = append(records, mapConversationRecord(row))
	}
	return records, len(records) == limit, nil
}

// ListParticipants bulk-fetches rosters for the given conversation ids and
// groups them client-side. Entries belonging to the viewer are filtered out.
func (c *Client) ListParticipants(ctx context.Context, token, viewerID string, conversationIDs []string) (map[string][]chat.Participant, error) {
	grouped := make(map[string][]chat.Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return grouped, nil
	}
	var resp struct {
		Participants []participantRow `json:"participants"`
	}
	path := "/conversations/participants?ids=" + url.QueryEscape(strings.Join(conversationIDs, ","))
	if err := c.do(ctx, http.MethodGet, path, token, nil, &resp, "list participants"); err != nil {
		return nil, err
	}
	for _, row := range resp.Participants {
		if row.UserID == viewerID {
			continue
		}
		grouped[row.ConversationID] = append(grouped[row.ConversationID], chat.Participant{
			ConversationID: row.ConversationID,
			UserID:         row.UserID,
			Role:           chat.Role(row.Role),
			DisplayName:    row.DisplayName,
			AvatarURL:      row.AvatarURL,
		})
	}
	return grouped, nil
}

// ListMessages fetches one page of a thread, oldest first.
func (c *Client) ListMessages(ctx context.Context, token, conversationID, cursor string) (chat.MessagePage, error) {
	var resp struct {
		Messages []messageRow `json:"messages"`
		HasMore  bool         `json:"has_more"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &resp, "list messages"); err != nil {
		return chat.MessagePage{}, err
	}
	page := chat.MessagePage{
		Messages: make([]chat.Message, 0, len(resp.Messages)),
		HasMore:  resp.HasMore,
	}
	for _, row := range resp.Messages {
		page.Messages = append(page.Messages, mapMessage(row))
	}
	return page, nil
}

// SendMessage posts a message. Empty content for a text message is rejected
// before any network call.
func (c *Client) SendMessage(ctx context.Context, token, conversationID string, in chat.SendMessageInput) (chat.Message, error) {
	if in.Type == "" {
		in.Type = chat.MessageTypeText
	}
	if in.Type == chat.MessageTypeText && strings.TrimSpace(in.Content) == "" {
		return chat.Message{}, chat.NewValidationError("content", "content is required for text messages")
	}
	body := map[string]any{
		"content":      in.Content,
		"message_type": string(in.Type),
	}
	if in.Type == chat.MessageTypeFile {
		body["file_url"] = in.FileURL
		body["file_name"] = in.FileName
		body["file_size"] = in.FileSize
	}
	var row messageRow
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, token, body, &row, "send message"); err != nil {
		return chat.Message{}, err
	}
	return mapMessage(row), nil
}

// MarkRead advances the viewer's read cursor on a conversation.
func (c *Client) MarkRead(ctx context.Context, token, conversationID string, readAt time.Time) error {
	body := map[string]any{"read_at": readAt.UTC().Format(time.RFC3339Nano)}
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPatch, path, token, body, nil, "mark read")
}

// CreateConversation starts a thread with at least one other participant. The
// backend adds the creator as admin and deduplicates the id list.
func (c *Client) CreateConversation(ctx context.Context, token string, in chat.CreateConversationInput) (chat.Conversation, error) {
	if len(in.ParticipantIDs) == 0 {
		return chat.Conversation{}, chat.NewValidationError("participant_ids", "at least one participant is required")
	}
	body := map[string]any{"participant_ids": in.ParticipantIDs}
	if in.Title != "" {
		body["title"] = in.Title
	}
	if in.ListingID != "" {
		body["listing_id"] = in.ListingID
	}
	var resp struct {
		Conversation struct {
			ID               string    `json:"id"`
			Title            string    `json:"title,omitempty"`
			ListingID        string    `json:"listing_id,omitempty"`
			CreatedAt        time.Time `json:"created_at"`
			UpdatedAt        time.Time `json:"updated_at"`
			ParticipantCount int       `json:"participant_count"`
		} `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", token, body, &resp, "create conversation"); err != nil {
		return chat.Conversation{}, err
	}
	return chat.Conversation{
		ID:               resp.Conversation.ID,
		Title:            resp.Conversation.Title,
		ListingID:        resp.Conversation.ListingID,
		CreatedAt:        resp.Conversation.CreatedAt,
		UpdatedAt:        resp.Conversation.UpdatedAt,
		ParticipantCount: resp.Conversation.ParticipantCount,
	}, nil
}

// UnreadCount returns the viewer's total unread message count, independent of
// feed pagination.
func (c *Client) UnreadCount(ctx context.Context, token string) (int, error) {
	var count int
	if err := c.do(ctx, http.MethodPost, "/rpc/get_unread_count", token, map[string]any{}, &count, "get unread count"); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any, op string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &chat.RepositoryError{Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return &chat.RepositoryError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	// Carry the gateway request id across the hop; background refreshes run
	// outside a request scope and mint their own.
	requestID := obs.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return &chat.RepositoryError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &chat.RepositoryError{Op: op, Err: err}
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return chat.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return chat.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return decodeValidationError(resp.Body)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if c.logger != nil {
			c.logger.Error("backend call failed",
				"op", op,
				"status", resp.StatusCode,
				"body", string(raw))
		}
		return &chat.RepositoryError{Op: op, Err: errors.New("backend status " + strconv.Itoa(resp.StatusCode))}
	}
}

func decodeValidationError(body io.Reader) error {
	var payload struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil || len(payload.Fields) == 0 {
		return &chat.ValidationError{}
	}
	return &chat.ValidationError{Fields: payload.Fields}
}

func mapConversationRecord(row conversationRow) chat.ConversationRecord {
	return chat.ConversationRecord{
		ID:                    row.ID,
		Title:                 row.Title,
		ListingID:             row.ListingID,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
		ParticipantCount:      row.ParticipantCount,
		UnreadCount:           row.UnreadCount,
		LastMessageID:         row.LastMessageID,
		LastMessageContent:    row.LastMessageContent,
		LastMessageType:       chat.MessageType(row.LastMessageType),
		LastMessageSenderID:   row.LastMessageSenderID,
		LastMessageSenderName: row.LastMessageSenderName,
		LastMessageAt:         row.LastMessageAt,
	}
}

func mapMessage(row messageRow) chat.Message {
	return chat.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		SenderName:     row.SenderName,
		Content:        row.Content,
		Type:           chat.MessageType(row.MessageType),
		FileURL:        row.FileURL,
		FileName:       row.FileName,
		FileSize:       row.FileSize,
		IsRead:         row.IsRead,
		ReadAt:         row.ReadAt,
		CreatedAt:      row.CreatedAt,
	}
}
