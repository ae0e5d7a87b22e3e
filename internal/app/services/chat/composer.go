package chatservice

import (
	"context"
	"log/slog"
	"sort"

	"bizbridge/internal/domain/chat"
)

// Composer produces the caller-facing conversation list by merging the
// aggregate summary feed with a separately fetched, deduplicated roster per
// conversation. The viewer never appears in a roster.
type Composer struct {
	Repo   Repository
	Logger *slog.Logger
}

// ListConversations fetches one page of summaries and attaches rosters. An
// empty page short-circuits before the participant call.
func (cm *Composer) ListConversations(ctx context.Context, token, viewerID string, limit, offset int) (chat.ConversationPage, error) {
	records, hasMore, err := cm.Repo.ListConversations(ctx, token, limit, offset)
	if err != nil {
		return chat.ConversationPage{}, err
	}
	if len(records) == 0 {
		return chat.ConversationPage{Conversations: []chat.ConversationSummary{}}, nil
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	rosters, err := cm.Repo.ListParticipants(ctx, token, viewerID, ids)
	if err != nil {
		return chat.ConversationPage{}, err
	}

	summaries := make([]chat.ConversationSummary, 0, len(records))
	for _, record := range records {
		roster := rosters[record.ID]
		if roster == nil {
			// A conversation with no other participants still appears;
			// transient self-only rosters are valid and the UI labels them.
			roster = []chat.Participant{}
		}
		summaries = append(summaries, chat.ConversationSummary{
			ID:               record.ID,
			Title:            record.Title,
			ListingID:        record.ListingID,
			CreatedAt:        record.CreatedAt,
			UpdatedAt:        record.UpdatedAt,
			ParticipantCount: record.ParticipantCount,
			UnreadCount:      record.UnreadCount,
			LastMessage:      normalizeLastMessage(record),
			Participants:     roster,
		})
	}

	// The aggregate feed is expected to arrive sorted already; re-sort anyway
	// so the ordering invariant survives a misbehaving backend.
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	return chat.ConversationPage{Conversations: summaries, HasMore: hasMore}, nil
}

func normalizeLastMessage(record chat.ConversationRecord) *chat.LastMessage {
	if record.LastMessageID == "" || record.LastMessageAt == nil {
		return nil
	}
	return &chat.LastMessage{
		ID:      record.LastMessageID,
		Content: record.LastMessageContent,
		Type:    record.LastMessageType,
		Sender: chat.Sender{
			ID:          record.LastMessageSenderID,
			DisplayName: record.LastMessageSenderName,
		},
		CreatedAt: *record.LastMessageAt,
	}
}
