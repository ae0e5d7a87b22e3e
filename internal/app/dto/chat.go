package dto

import "time"

// Sender is the profile projection attached to a last-message preview.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// LastMessage previews the newest message of a conversation, or is absent
// when the conversation has no messages yet.
type LastMessage struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	Sender      Sender    `json:"sender"`
	CreatedAt   time.Time `json:"created_at"`
}

// Participant is a roster entry. The viewer is never included.
type Participant struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation is the viewer-relative summary shown in the feed.
type Conversation struct {
	ID               string        `json:"id"`
	Title            string        `json:"title,omitempty"`
	ListingID        string        `json:"listing_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	ParticipantCount int           `json:"participant_count"`
	UnreadCount      int           `json:"unread_count"`
	LastMessage      *LastMessage  `json:"last_message"`
	Participants     []Participant `json:"participants"`
}

// ConversationList is one page of the feed. HasMore is a boundary heuristic,
// not an exact total.
type ConversationList struct {
	Items   []Conversation `json:"items"`
	HasMore bool           `json:"has_more"`
}

// ChatMessage is a single message payload.
type ChatMessage struct {
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

// ChatMessageList is one page of a thread, oldest first.
type ChatMessageList struct {
	Items   []ChatMessage `json:"items"`
	HasMore bool          `json:"has_more"`
}

// SendMessageRequest posts a message to the selected conversation.
type SendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	FileURL     string `json:"file_url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
}

// CreateConversationRequest starts a thread with at least one other
// participant.
type CreateConversationRequest struct {
	Title          string   `json:"title,omitempty"`
	ListingID      string   `json:"listing_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids"`
}
