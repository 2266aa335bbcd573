package domain

import "context"

// SnapshotFunc receives the full ordered message list of a conversation each
// time it changes. A non-nil err means the stream failed for this delivery.
type SnapshotFunc func(msgs []Message, err error)

// Unsubscribe stops a subscription. It must not block on in-flight callbacks.
type Unsubscribe func()

// RemoteStore is the authoritative, append-only document store for
// conversations and their messages.
type RemoteStore interface {
	QueryMessages(ctx context.Context, profile ProfileID, conversationID string) ([]Message, error)
	Subscribe(ctx context.Context, profile ProfileID, conversationID string, fn SnapshotFunc) (Unsubscribe, error)
	InsertMessage(ctx context.Context, profile ProfileID, conversationID string, msg Message) (string, error)

	// GetConversation returns nil, nil when the conversation does not exist.
	GetConversation(ctx context.Context, profile ProfileID, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, profile ProfileID, conv Conversation) (string, error)
	UpdateConversation(ctx context.Context, profile ProfileID, id string, patch ConversationPatch) error
	ListConversations(ctx context.Context, profile ProfileID, limit int) ([]Conversation, error)
}

// KV is the durable key/value store behind the local pointer cache.
type KV interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}
