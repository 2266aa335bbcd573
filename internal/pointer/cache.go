// Package pointer persists which conversation each profile had open, so a
// restart can resume it. Values are only hints: callers validate them against
// the remote store before use.
package pointer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"bhaichat/internal/domain"
)

const keyPrefix = "currentConversation_"

// Key is the KV key holding the pointer of profile.
func Key(profile domain.ProfileID) string {
	return keyPrefix + string(profile)
}

type record struct {
	ProfileID    domain.ProfileID    `json:"profile_id"`
	Conversation domain.Conversation `json:"conversation"`
}

type Cache struct {
	kv     domain.KV
	logger *slog.Logger
}

func NewCache(kv domain.KV, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{kv: kv, logger: logger}
}

// Save stores conv as the active conversation of profile. A nil conv removes
// the pointer.
func (c *Cache) Save(ctx context.Context, profile domain.ProfileID, conv *domain.Conversation) error {
	if profile == "" {
		return domain.E(domain.KindValidation, "pointer save", domain.ErrNoProfile)
	}
	if conv == nil {
		return c.Evict(ctx, profile)
	}
	data, err := json.Marshal(record{ProfileID: profile, Conversation: *conv})
	if err != nil {
		return fmt.Errorf("encode pointer: %w", err)
	}
	if err := c.kv.Set(ctx, Key(profile), string(data)); err != nil {
		return domain.E(domain.KindTransientIO, "pointer save", err)
	}
	return nil
}

// Load returns the stored pointer, or nil when there is none. Unreadable or
// mismatched entries are evicted and reported as absent.
func (c *Cache) Load(ctx context.Context, profile domain.ProfileID) (*domain.Conversation, error) {
	if profile == "" {
		return nil, domain.E(domain.KindValidation, "pointer load", domain.ErrNoProfile)
	}
	raw, ok, err := c.kv.Get(ctx, Key(profile))
	if err != nil {
		return nil, domain.E(domain.KindTransientIO, "pointer load", err)
	}
	if !ok {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Conversation.ID == "" {
		c.logger.Info("discarding unreadable conversation pointer", "profile", profile, "err", err)
		c.evictQuietly(ctx, profile)
		return nil, nil
	}
	if rec.ProfileID != "" && rec.ProfileID != profile {
		c.logger.Info("discarding conversation pointer of another profile", "profile", profile, "stored", rec.ProfileID)
		c.evictQuietly(ctx, profile)
		return nil, nil
	}
	conv := rec.Conversation
	return &conv, nil
}

func (c *Cache) Evict(ctx context.Context, profile domain.ProfileID) error {
	if err := c.kv.Remove(ctx, Key(profile)); err != nil {
		return domain.E(domain.KindTransientIO, "pointer evict", err)
	}
	return nil
}

func (c *Cache) evictQuietly(ctx context.Context, profile domain.ProfileID) {
	if err := c.Evict(ctx, profile); err != nil {
		c.logger.Warn("failed to evict conversation pointer", "profile", profile, "err", err)
	}
}
