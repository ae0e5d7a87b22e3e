package chatservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizbridge/internal/domain/chat"
)

func record(id string, updatedAt time.Time) chat.ConversationRecord {
	return chat.ConversationRecord{
		ID:               id,
		Title:            "Deal " + id,
		CreatedAt:        updatedAt.Add(-time.Hour),
		UpdatedAt:        updatedAt,
		ParticipantCount: 2,
	}
}

func TestComposerAttachesRosters(t *testing.T) {
	now := time.Now()
	repo := &fakeRepo{
		listConversations: func(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
			return []chat.ConversationRecord{record("c1", now), record("c2", now.Add(-time.Minute))}, false, nil
		},
		listParticipants: func(ctx context.Context, token, viewerID string, ids []string) (map[string][]chat.Participant, error) {
			assert.Equal(t, []string{"c1", "c2"}, ids)
			return map[string][]chat.Participant{
				"c1": {{ConversationID: "c1", UserID: "seller-1", Role: chat.RoleAdmin, DisplayName: "Dana"}},
			}, nil
		},
	}
	cm := &Composer{Repo: repo, Logger: testLogger()}

	page, err := cm.ListConversations(context.Background(), "tok", "buyer-1", 20, 0)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)

	assert.Equal(t, "seller-1", page.Conversations[0].Participants[0].UserID)
	// Missing roster degrades to an empty slice, never nil.
	assert.NotNil(t, page.Conversations[1].Participants)
	assert.Empty(t, page.Conversations[1].Participants)
}

func TestComposerEmptyPageSkipsParticipantCall(t *testing.T) {
	repo := &fakeRepo{
		listParticipants: func(ctx context.Context, token, viewerID string, ids []string) (map[string][]chat.Participant, error) {
			t.Fatal("participant call on an empty page")
			return nil, nil
		},
	}
	cm := &Composer{Repo: repo, Logger: testLogger()}

	page, err := cm.ListConversations(context.Background(), "tok", "buyer-1", 20, 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Conversations)
	assert.Empty(t, page.Conversations)
	assert.False(t, page.HasMore)
}

func TestComposerNormalizesLastMessage(t *testing.T) {
	now := time.Now()
	withPreview := record("c1", now)
	withPreview.LastMessageID = "m9"
	withPreview.LastMessageContent = "see you at the signing"
	withPreview.LastMessageType = chat.MessageTypeText
	withPreview.LastMessageSenderID = "seller-1"
	withPreview.LastMessageSenderName = "Dana"
	withPreview.LastMessageAt = &now

	repo := &fakeRepo{
		listConversations: func(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
			return []chat.ConversationRecord{withPreview, record("c2", now.Add(-time.Minute))}, false, nil
		},
	}
	cm := &Composer{Repo: repo, Logger: testLogger()}

	page, err := cm.ListConversations(context.Background(), "tok", "buyer-1", 20, 0)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)

	last := page.Conversations[0].LastMessage
	require.NotNil(t, last)
	assert.Equal(t, "m9", last.ID)
	assert.Equal(t, "Dana", last.Sender.DisplayName)
	assert.True(t, last.CreatedAt.Equal(now))

	// A never-messaged conversation carries no preview at all.
	assert.Nil(t, page.Conversations[1].LastMessage)
}

func TestComposerReordersByActivity(t *testing.T) {
	now := time.Now()
	repo := &fakeRepo{
		listConversations: func(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
			return []chat.ConversationRecord{
				record("old", now.Add(-time.Hour)),
				record("new", now),
				record("mid", now.Add(-time.Minute)),
			}, true, nil
		},
	}
	cm := &Composer{Repo: repo, Logger: testLogger()}

	page, err := cm.ListConversations(context.Background(), "tok", "buyer-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 3)
	assert.Equal(t, "new", page.Conversations[0].ID)
	assert.Equal(t, "mid", page.Conversations[1].ID)
	assert.Equal(t, "old", page.Conversations[2].ID)
	assert.True(t, page.HasMore)
}

func TestComposerPropagatesErrors(t *testing.T) {
	boom := errors.New("backend down")
	repo := &fakeRepo{
		listConversations: func(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
			return nil, false, boom
		},
	}
	cm := &Composer{Repo: repo, Logger: testLogger()}

	_, err := cm.ListConversations(context.Background(), "tok", "buyer-1", 20, 0)
	require.ErrorIs(t, err, boom)

	now := time.Now()
	repo = &fakeRepo{
		listConversations: func(ctx context.Context, token string, limit, offset int) ([]chat.ConversationRecord, bool, error) {
			return []chat.ConversationRecord{record("c1", now)}, false, nil
		},
		listParticipants: func(ctx context.Context, token, viewerID string, ids []string) (map[string][]chat.Participant, error) {
			return nil, boom
		},
	}
	cm = &Composer{Repo: repo, Logger: testLogger()}
	_, err = cm.ListConversations(context.Background(), "tok", "buyer-1", 20, 0)
	require.ErrorIs(t, err, boom)
}
