package backend

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizbridge/internal/domain/chat"
	"bizbridge/internal/infra/backend/backendtest"
	"bizbridge/internal/infra/obs"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := NewClient(Config{BaseURL: baseURL, CallTimeout: 2 * time.Second}, logger)
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.Error(t, err)
}

func TestListConversationsOrdersAndDerivesUnread(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	older := srv.Seed("Bakery sale", "listing-1", base,
		backendtest.Member{ID: "buyer-1", Name: "Blair"},
		backendtest.Member{ID: "seller-1", Name: "Dana", Role: "admin"})
	newer := srv.Seed("Laundromat", "", base.Add(time.Minute),
		backendtest.Member{ID: "buyer-1", Name: "Blair"},
		backendtest.Member{ID: "seller-2", Name: "Remy", Role: "admin"})
	srv.SeedMessage(newer, "seller-2", "is the offer still open?", base.Add(2*time.Minute))

	client := newTestClient(t, srv.URL())
	records, hasMore, err := client.ListConversations(context.Background(), "buyer-1", 20, 0)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, records, 2)

	// Newest activity first; the unread count is viewer-relative.
	assert.Equal(t, newer, records[0].ID)
	assert.Equal(t, older, records[1].ID)
	assert.Equal(t, 1, records[0].UnreadCount)
	assert.Zero(t, records[1].UnreadCount)

	// The flattened last-message projection only appears once a message exists.
	assert.Equal(t, "is the offer still open?", records[0].LastMessageContent)
	assert.Equal(t, "Remy", records[0].LastMessageSenderName)
	require.NotNil(t, records[0].LastMessageAt)
	assert.Empty(t, records[1].LastMessageID)
	assert.Nil(t, records[1].LastMessageAt)
}

func TestListConversationsHasMoreHeuristic(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 2; i++ {
		srv.Seed("c", "", base.Add(time.Duration(i)*time.Minute), backendtest.Member{ID: "buyer-1"})
	}
	client := newTestClient(t, srv.URL())

	// A full page claims more even when the next page would be empty; the
	// heuristic trades one extra fetch for a cheaper feed query.
	records, hasMore, err := client.ListConversations(context.Background(), "buyer-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, hasMore)

	records, hasMore, err = client.ListConversations(context.Background(), "buyer-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.False(t, hasMore)

	records, hasMore, err = client.ListConversations(context.Background(), "buyer-1", 2, 2)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, hasMore)
}

func TestListParticipantsFiltersViewer(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	id := srv.Seed("Bakery sale", "", time.Now(),
		backendtest.Member{ID: "buyer-1", Name: "Blair"},
		backendtest.Member{ID: "seller-1", Name: "Dana", Role: "admin"})
	client := newTestClient(t, srv.URL())

	rosters, err := client.ListParticipants(context.Background(), "buyer-1", "buyer-1", []string{id})
	require.NoError(t, err)
	require.Len(t, rosters[id], 1)
	assert.Equal(t, "seller-1", rosters[id][0].UserID)
	assert.Equal(t, chat.RoleAdmin, rosters[id][0].Role)

	rosters, err = client.ListParticipants(context.Background(), "buyer-1", "buyer-1", nil)
	require.NoError(t, err)
	assert.Empty(t, rosters)
}

func TestListMessagesReadFlags(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	id := srv.Seed("Bakery sale", "", base,
		backendtest.Member{ID: "buyer-1", Name: "Blair"},
		backendtest.Member{ID: "seller-1", Name: "Dana"})
	srv.SeedMessage(id, "seller-1", "hello", base.Add(time.Minute))
	srv.SeedMessage(id, "buyer-1", "hi back", base.Add(2*time.Minute))

	client := newTestClient(t, srv.URL())
	page, err := client.ListMessages(context.Background(), "buyer-1", id, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)

	// Oldest first; own messages always read, others unread until the cursor
	// passes them.
	assert.Equal(t, "hello", page.Messages[0].Content)
	assert.False(t, page.Messages[0].IsRead)
	assert.True(t, page.Messages[1].IsRead)

	require.NoError(t, client.MarkRead(context.Background(), "buyer-1", id, base.Add(time.Minute)))
	page, err = client.ListMessages(context.Background(), "buyer-1", id, "")
	require.NoError(t, err)
	assert.True(t, page.Messages[0].IsRead)
}

func TestListMessagesUnknownConversation(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	client := newTestClient(t, srv.URL())
	_, err := client.ListMessages(context.Background(), "buyer-1", "missing", "")
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSendMessageRoundTrip(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	id := srv.Seed("Bakery sale", "", time.Now().Add(-time.Hour),
		backendtest.Member{ID: "buyer-1", Name: "Blair"},
		backendtest.Member{ID: "seller-1", Name: "Dana"})
	client := newTestClient(t, srv.URL())

	msg, err := client.SendMessage(context.Background(), "buyer-1", id, chat.SendMessageInput{
		Content: "can we do a walkthrough Friday?",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, id, msg.ConversationID)
	assert.Equal(t, "buyer-1", msg.SenderID)
	assert.Equal(t, "Blair", msg.SenderName)
	assert.Equal(t, chat.MessageTypeText, msg.Type)

	page, err := client.ListMessages(context.Background(), "seller-1", id, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)
}

func TestSendMessageValidatesBeforeCalling(t *testing.T) {
	// Unreachable base url proves validation happens client-side.
	client := newTestClient(t, "http://127.0.0.1:1")

	_, err := client.SendMessage(context.Background(), "buyer-1", "c1", chat.SendMessageInput{Content: "   "})
	var verr *chat.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "content")
}

func TestSendFileMessageCarriesAttachment(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	id := srv.Seed("Bakery sale", "", time.Now().Add(-time.Hour),
		backendtest.Member{ID: "buyer-1", Name: "Blair"})
	client := newTestClient(t, srv.URL())

	msg, err := client.SendMessage(context.Background(), "buyer-1", id, chat.SendMessageInput{
		Type:     chat.MessageTypeFile,
		FileURL:  "https://files.example.com/ledger.pdf",
		FileName: "ledger.pdf",
		FileSize: 20480,
	})
	require.NoError(t, err)
	assert.Equal(t, chat.MessageTypeFile, msg.Type)
	assert.Equal(t, "ledger.pdf", msg.FileName)
	assert.EqualValues(t, 20480, msg.FileSize)
}

func TestMarkReadClearsUnread(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	id := srv.Seed("Bakery sale", "", base,
		backendtest.Member{ID: "buyer-1"},
		backendtest.Member{ID: "seller-1", Name: "Dana"})
	srv.SeedMessage(id, "seller-1", "ping", base.Add(time.Minute))

	client := newTestClient(t, srv.URL())
	count, err := client.UnreadCount(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, client.MarkRead(context.Background(), "buyer-1", id, time.Now()))
	count, err = client.UnreadCount(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreateConversationDeduplicatesCreator(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	client := newTestClient(t, srv.URL())
	conv, err := client.CreateConversation(context.Background(), "buyer-1", chat.CreateConversationInput{
		Title:          "Bakery sale",
		ListingID:      "listing-1",
		ParticipantIDs: []string{"seller-1", "buyer-1", "seller-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "Bakery sale", conv.Title)
	assert.Equal(t, 2, conv.ParticipantCount)
}

func TestCreateConversationRequiresParticipants(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	_, err := client.CreateConversation(context.Background(), "buyer-1", chat.CreateConversationInput{})
	var verr *chat.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "participant_ids")
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()

	client := newTestClient(t, srv.URL())
	_, _, err := client.ListConversations(context.Background(), "", 20, 0)
	require.ErrorIs(t, err, chat.ErrUnauthorized)
}

func TestForwardsRequestIDAcrossHop(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-ID")
		w.Write([]byte(`{"conversations":[],"has_more":false}`))
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	ctx := obs.WithRequestID(context.Background(), "req-123")
	_, _, err := client.ListConversations(ctx, "buyer-1", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, "req-123", got)

	// Outside a request scope a fresh id is minted.
	got = ""
	_, _, err = client.ListConversations(context.Background(), "buyer-1", 20, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestBackendFailureStaysOpaque(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.FailUnread(true)

	client := newTestClient(t, srv.URL())
	_, err := client.UnreadCount(context.Background(), "buyer-1")
	var rerr *chat.RepositoryError
	require.ErrorAs(t, err, &rerr)
	// Callers see the operation name only, never the downstream detail.
	assert.Equal(t, "chat: get unread count failed", err.Error())
	assert.NotContains(t, err.Error(), "500")
}
