package domain

import "time"

// Conversation is owned by exactly one profile.
type Conversation struct {
	ID              string    `json:"id"`
	ProfileID       ProfileID `json:"profile_id"`
	Title           string    `json:"title"`
	PersonalityID   string    `json:"personality_id"`
	LastMessageText string    `json:"last_message,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ConversationPatch is a partial update; nil fields are left untouched.
type ConversationPatch struct {
	Title           *string
	PersonalityID   *string
	LastMessageText *string
	LastMessageAt   *time.Time
}

func (p ConversationPatch) Empty() bool {
	return p.Title == nil && p.PersonalityID == nil && p.LastMessageText == nil && p.LastMessageAt == nil
}

// Apply writes the set fields of p into c and bumps UpdatedAt.
func (p ConversationPatch) Apply(c *Conversation, now time.Time) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.PersonalityID != nil {
		c.PersonalityID = *p.PersonalityID
	}
	if p.LastMessageText != nil {
		c.LastMessageText = *p.LastMessageText
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	c.UpdatedAt = now
}
