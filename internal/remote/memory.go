// Package remote holds the authoritative store gateways: an in-process store
// and a MongoDB-backed one, plus a latency-recording wrapper.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bhaichat/internal/domain"

	"github.com/google/uuid"
)

// Memory implements domain.RemoteStore in process. Subscribers are notified on
// their own goroutine with the full snapshot after every insert; bursts of
// inserts coalesce into one delivery.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	logger   *slog.Logger
	profiles map[domain.ProfileID]*profileData
	subs     map[subKey]map[int]*subscriber
	nextSub  int
	closed   bool
}

type profileData struct {
	convs map[string]domain.Conversation
	msgs  map[string][]domain.Message
}

type subKey struct {
	profile domain.ProfileID
	conv    string
}

type subscriber struct {
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		now:      time.Now,
		logger:   logger,
		profiles: make(map[domain.ProfileID]*profileData),
		subs:     make(map[subKey]map[int]*subscriber),
	}
}

// SetClock overrides the time source used for server-side timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) profileLocked(p domain.ProfileID) *profileData {
	pd, ok := m.profiles[p]
	if !ok {
		pd = &profileData{
			convs: make(map[string]domain.Conversation),
			msgs:  make(map[string][]domain.Message),
		}
		m.profiles[p] = pd
	}
	return pd
}

func (m *Memory) QueryMessages(ctx context.Context, profile domain.ProfileID, conversationID string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(profile, conversationID), nil
}

func (m *Memory) snapshotLocked(profile domain.ProfileID, conversationID string) []domain.Message {
	src := m.profileLocked(profile).msgs[conversationID]
	out := make([]domain.Message, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *Memory) Subscribe(ctx context.Context, profile domain.ProfileID, conversationID string, fn domain.SnapshotFunc) (domain.Unsubscribe, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("memory store closed")
	}
	key := subKey{profile: profile, conv: conversationID}
	id := m.nextSub
	m.nextSub++
	sub := &subscriber{notify: make(chan struct{}, 1), done: make(chan struct{})}
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]*subscriber)
	}
	m.subs[key][id] = sub
	m.mu.Unlock()

	sub.notify <- struct{}{}
	go m.deliver(key, sub, fn)

	return func() {
		sub.stop()
		m.mu.Lock()
		delete(m.subs[key], id)
		if len(m.subs[key]) == 0 {
			delete(m.subs, key)
		}
		m.mu.Unlock()
	}, nil
}

func (m *Memory) deliver(key subKey, sub *subscriber, fn domain.SnapshotFunc) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
		m.mu.Lock()
		snap := m.snapshotLocked(key.profile, key.conv)
		m.mu.Unlock()

		select {
		case <-sub.done:
			return
		default:
		}
		fn(snap, nil)
	}
}

func (m *Memory) InsertMessage(ctx context.Context, profile domain.ProfileID, conversationID string, msg domain.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !msg.Sender.Valid() {
		return "", fmt.Errorf("insert message: invalid sender %q", msg.Sender)
	}
	m.mu.Lock()
	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	msg.Optimistic = false
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	msg.Timestamp = domain.NormalizeTimestamp(msg.Timestamp)
	pd := m.profileLocked(profile)
	pd.msgs[conversationID] = append(pd.msgs[conversationID], msg)
	m.notifyLocked(subKey{profile: profile, conv: conversationID})
	m.mu.Unlock()
	return msg.ID, nil
}

func (m *Memory) notifyLocked(key subKey) {
	for _, sub := range m.subs[key] {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (m *Memory) GetConversation(ctx context.Context, profile domain.ProfileID, id string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.profileLocked(profile).convs[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (m *Memory) CreateConversation(ctx context.Context, profile domain.ProfileID, conv domain.Conversation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := m.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	conv.ProfileID = profile
	m.profileLocked(profile).convs[conv.ID] = conv
	return conv.ID, nil
}

func (m *Memory) UpdateConversation(ctx context.Context, profile domain.ProfileID, id string, patch domain.ConversationPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pd := m.profileLocked(profile)
	conv, ok := pd.convs[id]
	if !ok {
		return fmt.Errorf("update conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	patch.Apply(&conv, m.now())
	pd.convs[id] = conv
	return nil
}

// ListConversations orders by last message time, newest first.
func (m *Memory) ListConversations(ctx context.Context, profile domain.ProfileID, limit int) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pd := m.profileLocked(profile)
	convs := make([]domain.Conversation, 0, len(pd.convs))
	for _, c := range pd.convs {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		ai, aj := activity(convs[i]), activity(convs[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return convs[i].ID < convs[j].ID
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *Memory) DeleteConversation(ctx context.Context, profile domain.ProfileID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd := m.profileLocked(profile)
	delete(pd.convs, id)
	delete(pd.msgs, id)
	m.notifyLocked(subKey{profile: profile, conv: id})
	return nil
}

// Close stops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, subs := range m.subs {
		for _, sub := range subs {
			sub.stop()
		}
		delete(m.subs, key)
	}
	return nil
}

func activity(c domain.Conversation) time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.UpdatedAt
}

var _ domain.RemoteStore = (*Memory)(nil)
