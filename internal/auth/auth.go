// Package auth holds the signed-in identity and the bearer credential used
// for backend calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bhaichat/internal/domain"
)

const DefaultProvider = "local"

var ErrNoToken = errors.New("no bearer token configured")

// Identity is a signed-in user. All conversation data is partitioned by its
// profile id.
type Identity struct {
	UserID     string
	ProviderID string
}

// ProfileID is "<userId>_<providerId>", with the provider defaulting to "local".
func (i Identity) ProfileID() domain.ProfileID {
	if i.UserID == "" {
		return ""
	}
	provider := strings.TrimSpace(i.ProviderID)
	if provider == "" {
		provider = DefaultProvider
	}
	return domain.ProfileID(i.UserID + "_" + provider)
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return domain.E(domain.KindValidation, "sign in", fmt.Errorf("user id is required"))
	}
	if strings.Contains(i.UserID, "/") || strings.Contains(i.ProviderID, "/") {
		return domain.E(domain.KindValidation, "sign in", fmt.Errorf("ids must not contain '/'"))
	}
	return nil
}

// StaticToken is a fixed bearer token, typically read from config.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// TokenFunc adapts a function to domain.TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Optional wraps a source so a missing token yields an unauthenticated call
// instead of an error.
func Optional(src domain.TokenSource) domain.TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) {
		tok, err := src.Token(ctx)
		if errors.Is(err, ErrNoToken) {
			return "", nil
		}
		return tok, err
	})
}
