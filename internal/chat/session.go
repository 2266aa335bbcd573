// Package chat is the surface a front-end drives: one signed-in profile, one
// active conversation, its reconciled message list and the send pipeline.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bhaichat/internal/auth"
	"bhaichat/internal/domain"
	"bhaichat/internal/lifecycle"
	"bhaichat/internal/metrics"
	"bhaichat/internal/personality"
	"bhaichat/internal/pipeline"
	"bhaichat/internal/pointer"
	"bhaichat/internal/reconcile"
)

const defaultHistoryLimit = 50

type Config struct {
	Store         domain.RemoteStore
	KV            domain.KV
	Backend       domain.ChatBackend
	Personalities *personality.Catalog
	Bus           domain.EventBus
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	ConfirmWindow  time.Duration
	TitleEnabled   bool
	PersistReplies bool
	// HistoryLimit caps Conversations results.
	HistoryLimit int
}

// Session wires the reconciliation engine, the conversation lifecycle and the
// outbound pipeline together and republishes their changes on the bus.
type Session struct {
	store         domain.RemoteStore
	bus           domain.EventBus
	personalities *personality.Catalog
	logger        *slog.Logger
	historyLimit  int

	engine    *reconcile.Engine
	lifecycle *lifecycle.Manager
	pipe      *pipeline.Pipeline

	mu          sync.RWMutex
	identity    auth.Identity
	personality string
	closed      bool
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Store == nil || cfg.KV == nil || cfg.Backend == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("chat session: store, kv, backend and bus are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Personalities == nil {
		cfg.Personalities = personality.NewCatalog()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	s := &Session{
		store:         cfg.Store,
		bus:           cfg.Bus,
		personalities: cfg.Personalities,
		logger:        cfg.Logger,
		historyLimit:  cfg.HistoryLimit,
		personality:   cfg.Personalities.Default().ID,
	}

	s.engine = reconcile.NewEngine(reconcile.Config{
		Store:         cfg.Store,
		Logger:        cfg.Logger.With("component", "reconcile"),
		ConfirmWindow: cfg.ConfirmWindow,
		Metrics:       cfg.Metrics,
		OnChange: func(msgs []domain.Message) {
			s.bus.Publish(domain.Event{Type: domain.EventMessages, Messages: msgs})
		},
	})
	s.lifecycle = lifecycle.New(lifecycle.Config{
		Store:    cfg.Store,
		Pointers: pointer.NewCache(cfg.KV, cfg.Logger.With("component", "pointer")),
		Engine:   s.engine,
		Titles:   cfg.Personalities,
		Logger:   cfg.Logger.With("component", "lifecycle"),
		Metrics:  cfg.Metrics,
		OnChange: func(conv *domain.Conversation) {
			s.bus.Publish(domain.Event{Type: domain.EventConversation, Conversation: conv})
		},
	})
	s.pipe = pipeline.New(pipeline.Config{
		Store:          cfg.Store,
		Backend:        cfg.Backend,
		Reconciler:     s.engine,
		Conversations:  s.lifecycle,
		Logger:         cfg.Logger.With("component", "pipeline"),
		Metrics:        cfg.Metrics,
		TitleEnabled:   cfg.TitleEnabled,
		PersistReplies: cfg.PersistReplies,
		OnSending: func(_ string, sending bool) {
			s.bus.Publish(domain.Event{Type: domain.EventSending, Sending: sending})
		},
	})
	return s, nil
}

// SignIn binds the session to id's profile and restores or creates its
// current conversation.
func (s *Session) SignIn(ctx context.Context, id auth.Identity) error {
	if err := id.Validate(); err != nil {
		return domain.E(domain.KindValidation, "sign in", err)
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	s.logger.Info("signing in", "profile", id.ProfileID())
	err := s.lifecycle.SetProfile(ctx, id.ProfileID())
	if conv := s.lifecycle.Active(); conv != nil {
		s.adoptPersonality(conv.PersonalityID)
	}
	return err
}

// SignOut clears the active conversation, the pending set and the view.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.identity = auth.Identity{}
	s.mu.Unlock()
	return s.lifecycle.SetProfile(ctx, "")
}

// SendMessage sends text in the active conversation, creating one if needed.
// Failures are returned and, unless the profile signed out meanwhile, also
// published as error events.
func (s *Session) SendMessage(ctx context.Context, text string) (*pipeline.Result, error) {
	s.mu.RLock()
	req := pipeline.Request{
		Text:           text,
		PersonalityID:  s.personality,
		Profile:        s.identity.ProfileID(),
		UserID:         s.identity.UserID,
		ConversationID: s.lifecycle.ActiveID(),
	}
	s.mu.RUnlock()

	res, err := s.pipe.Send(ctx, req)
	if err != nil {
		// A send outliving its profile is not news to whoever signed in next.
		if domain.KindOf(err) != domain.KindStaleReference {
			s.publishError(err)
		}
		return nil, err
	}
	return res, nil
}

// SelectConversation switches to conv and adopts its personality.
func (s *Session) SelectConversation(ctx context.Context, conv domain.Conversation) error {
	if err := s.lifecycle.Select(ctx, conv); err != nil {
		s.publishError(err)
		return err
	}
	s.adoptPersonality(conv.PersonalityID)
	return nil
}

func (s *Session) adoptPersonality(id string) {
	if _, ok := s.personalities.Get(id); !ok {
		return
	}
	s.mu.Lock()
	s.personality = id
	s.mu.Unlock()
}

// CreateNewConversation starts a conversation with the current personality.
// It fails with ErrEmptyConversation while the active one has no messages.
func (s *Session) CreateNewConversation(ctx context.Context) (*domain.Conversation, error) {
	conv, err := s.lifecycle.NewConversation(ctx, s.Personality())
	if err != nil {
		s.publishError(err)
		return nil, err
	}
	return conv, nil
}

// Conversations lists the profile's conversations, most recent first.
func (s *Session) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	profile := s.lifecycle.Profile()
	if profile == "" {
		return nil, domain.E(domain.KindValidation, "list conversations", domain.ErrNoProfile)
	}
	convs, err := s.store.ListConversations(ctx, profile, s.historyLimit)
	if err != nil {
		return nil, domain.E(domain.KindTransientIO, "list conversations", err)
	}
	return convs, nil
}

func (s *Session) SetPersonality(id string) error {
	if _, ok := s.personalities.Get(id); !ok {
		return domain.E(domain.KindValidation, "set personality", fmt.Errorf("unknown personality %q", id))
	}
	s.mu.Lock()
	s.personality = id
	s.mu.Unlock()
	return nil
}

func (s *Session) Personality() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.personality
}

func (s *Session) Messages() []domain.Message { return s.engine.Messages() }

func (s *Session) Active() *domain.Conversation { return s.lifecycle.Active() }

func (s *Session) State() lifecycle.State { return s.lifecycle.State() }

// IsSending reports whether the active conversation, or the draft when none
// is active, has a send in flight.
func (s *Session) IsSending() bool { return s.pipe.IsSending(s.lifecycle.ActiveID()) }

func (s *Session) IsLoading() bool { return s.engine.IsLoading() }

func (s *Session) Events() <-chan domain.Event { return s.bus.Events() }

// Close stops the message stream, waits for pointer writes and closes the bus.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.Unbind()
	s.lifecycle.Wait()
	s.bus.Close()
}

func (s *Session) publishError(err error) {
	s.logger.Debug("chat operation failed", "kind", domain.KindOf(err), "err", err)
	s.bus.Publish(domain.Event{Type: domain.EventError, Err: err})
}
