package cache

import "fmt"

// Key construction for the conversation/message caches. Keys nest under a
// per-scope prefix so that one Invalidate call covers every page of a feed.

func ConversationListPrefix(viewerID string) string {
	return "conversations/" + viewerID
}

func ConversationListKey(viewerID string, limit, offset int) string {
	return fmt.Sprintf("%s/%d/%d", ConversationListPrefix(viewerID), limit, offset)
}

func MessageListPrefix(conversationID string) string {
	return "messages/" + conversationID
}

func MessageListKey(conversationID, cursor string) string {
	return MessageListPrefix(conversationID) + "/" + cursor
}

func UnreadCountKey(viewerID string) string {
	return "unread/" + viewerID
}
