package chatservice

import (
	"context"
	"time"

	"bizbridge/internal/domain/chat"
	"bizbridge/internal/infra/realtime"
)

// Repository is the stateless conversation/message backend surface. It issues
// remote calls only; caching and merge logic live above it.
type Repository interface {
	ListConversations(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error)
	ListParticipants(ctx context.Context, token, viewerID string, conversationIDs []string) (map[string][]chat.Participant, error)
	ListMessages(ctx context.Context, token, conversationID, cursor string) (chat.MessagePage, error)
	SendMessage(ctx context.Context, token, conversationID string, in chat.SendMessageInput) (chat.Message, error)
	MarkRead(ctx context.Context, token, conversationID string, readAt time.Time) error
	CreateConversation(ctx context.Context, token string, in chat.CreateConversationInput) (chat.Conversation, error)
	UnreadCount(ctx context.Context, token string) (int, error)
}

// Realtime is one authenticated change-feed connection.
type Realtime interface {
	Subscribe(table, filter string, h realtime.Handler) (func(), error)
	Close() error
}

// RealtimeDialer opens a change feed for a session.
type RealtimeDialer interface {
	Dial(ctx context.Context, token string) (Realtime, error)
}
