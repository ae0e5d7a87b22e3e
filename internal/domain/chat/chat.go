package chat

import "time"

// Role of a user inside a conversation. The creator is always admin.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
)

// MessageType distinguishes plain text from file attachments.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFile MessageType = "file"
)

// Conversation is the durable thread record as the backend stores it.
type Conversation struct {
	ID               string
	Title            string
	ListingID        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ParticipantCount int
}

// Participant is a user's membership in a conversation, with the profile
// projection needed to render a roster entry.
type Participant struct {
	ConversationID string
	UserID         string
	Role           Role
	DisplayName    string
	AvatarURL      string
}

// Message is immutable after creation; only IsRead/ReadAt ever change.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Type           MessageType
	FileURL        string
	FileName       string
	FileSize       int64
	IsRead         bool
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// Sender is the profile projection attached to a last-message preview.
type Sender struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// LastMessage is the denormalized preview carried by a conversation summary.
type LastMessage struct {
	ID        string
	Content   string
	Type      MessageType
	Sender    Sender
	CreatedAt time.Time
}

// ConversationRecord is one row of the backend's aggregate conversation feed:
// conversation fields plus viewer-relative unread count and a flattened
// last-message projection. The composer turns records into summaries.
type ConversationRecord struct {
	ID                    string
	Title                 string
	ListingID             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ParticipantCount      int
	UnreadCount           int
	LastMessageID         string
	LastMessageContent    string
	LastMessageType       MessageType
	LastMessageSenderID   string
	LastMessageSenderName string
	LastMessageAt         *time.Time
}

// ConversationSummary is the caller-facing projection: record fields with the
// last message normalized into a nested object and the roster attached. The
// roster never contains the viewer.
type ConversationSummary struct {
	ID               string
	Title            string
	ListingID        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ParticipantCount int
	UnreadCount      int
	LastMessage      *LastMessage
	Participants     []Participant
}

// ConversationPage is one page of the conversation feed. HasMore is the
// returned-count-equals-limit heuristic, not an exact total.
type ConversationPage struct {
	Conversations []ConversationSummary
	HasMore       bool
}

// MessagePage is one page of a thread, ordered by CreatedAt ascending.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

// SendMessageInput is the payload for posting a message.
type SendMessageInput struct {
	Content  string
	Type     MessageType
	FileURL  string
	FileName string
	FileSize int64
}

// CreateConversationInput starts a new thread. The creator is added
// server-side and deduplicated against ParticipantIDs.
type CreateConversationInput struct {
	Title          string
	ListingID      string
	ParticipantIDs []string
}
