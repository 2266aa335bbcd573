package domain

import "context"

// Channel is a user-facing front-end driving a chat session.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
