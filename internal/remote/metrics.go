package remote

import (
	"context"
	"time"

	"bhaichat/internal/domain"
	"bhaichat/internal/metrics"
)

// WithMetrics returns a RemoteStore that records latency for every operation.
func WithMetrics(inner domain.RemoteStore, m *metrics.Metrics) domain.RemoteStore {
	if m == nil {
		return inner
	}
	return &metricsStore{inner: inner, m: m}
}

type metricsStore struct {
	inner domain.RemoteStore
	m     *metrics.Metrics
}

func (s *metricsStore) QueryMessages(ctx context.Context, profile domain.ProfileID, conversationID string) ([]domain.Message, error) {
	defer s.m.ObserveStore("query_messages", time.Now())
	return s.inner.QueryMessages(ctx, profile, conversationID)
}

func (s *metricsStore) Subscribe(ctx context.Context, profile domain.ProfileID, conversationID string, fn domain.SnapshotFunc) (domain.Unsubscribe, error) {
	defer s.m.ObserveStore("subscribe", time.Now())
	return s.inner.Subscribe(ctx, profile, conversationID, fn)
}

func (s *metricsStore) InsertMessage(ctx context.Context, profile domain.ProfileID, conversationID string, msg domain.Message) (string, error) {
	defer s.m.ObserveStore("insert_message", time.Now())
	return s.inner.InsertMessage(ctx, profile, conversationID, msg)
}

func (s *metricsStore) GetConversation(ctx context.Context, profile domain.ProfileID, id string) (*domain.Conversation, error) {
	defer s.m.ObserveStore("get_conversation", time.Now())
	return s.inner.GetConversation(ctx, profile, id)
}

func (s *metricsStore) CreateConversation(ctx context.Context, profile domain.ProfileID, conv domain.Conversation) (string, error) {
	defer s.m.ObserveStore("create_conversation", time.Now())
	return s.inner.CreateConversation(ctx, profile, conv)
}

func (s *metricsStore) UpdateConversation(ctx context.Context, profile domain.ProfileID, id string, patch domain.ConversationPatch) error {
	defer s.m.ObserveStore("update_conversation", time.Now())
	return s.inner.UpdateConversation(ctx, profile, id, patch)
}

func (s *metricsStore) ListConversations(ctx context.Context, profile domain.ProfileID, limit int) ([]domain.Conversation, error) {
	defer s.m.ObserveStore("list_conversations", time.Now())
	return s.inner.ListConversations(ctx, profile, limit)
}
