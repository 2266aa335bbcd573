package domain

import (
	"context"
	"time"
)

// ChatBackend is the external AI service.
type ChatBackend interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
	// Title asks for a short heading from the first messages of a conversation.
	Title(ctx context.Context, texts []string) (string, error)
}

type ChatRequest struct {
	Text           string
	PersonalityID  string
	ConversationID string
	UserID         string
	ProfileID      ProfileID
}

type ChatReply struct {
	Text           string
	ConversationID string
	MessageID      string    // empty when the backend did not report one
	Timestamp      time.Time // zero when the backend did not report one
	PersonalityID  string
}

// TokenSource supplies the bearer credential for backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
