// Package lifecycle decides which conversation is active for the signed-in
// profile: restoring it on start, creating new ones and switching between them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bhaichat/internal/domain"
	"bhaichat/internal/metrics"

	"golang.org/x/sync/singleflight"
)

type State string

const (
	StateUnbound   State = "unbound"
	StateRestoring State = "restoring"
	StateReady     State = "ready"
	StateCreating  State = "creating"
)

var allStates = []string{string(StateUnbound), string(StateRestoring), string(StateReady), string(StateCreating)}

const (
	titleMaxRunes       = 30
	pointerWriteTimeout = 5 * time.Second
)

// Binder is the part of the reconciliation engine the manager drives.
type Binder interface {
	Bind(ctx context.Context, profile domain.ProfileID, conversationID string, adopt ...string) error
	Unbind()
	MessageCount() int
}

// Pointers persists the active conversation per profile.
type Pointers interface {
	Save(ctx context.Context, profile domain.ProfileID, conv *domain.Conversation) error
	Load(ctx context.Context, profile domain.ProfileID) (*domain.Conversation, error)
	Evict(ctx context.Context, profile domain.ProfileID) error
}

// Titles supplies the fallback title of a conversation created before any
// text exists, and the personality used when none is known.
type Titles interface {
	FallbackTitle(personalityID string) string
	DefaultID() string
}

type Config struct {
	Store    domain.RemoteStore
	Pointers Pointers
	Engine   Binder
	Titles   Titles
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// OnChange receives the active conversation after every transition or
	// metadata update, and nil on sign-out.
	OnChange func(*domain.Conversation)
	Now      func() time.Time
}

type Manager struct {
	store    domain.RemoteStore
	pointers Pointers
	engine   Binder
	titles   Titles
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onChange func(*domain.Conversation)
	now      func() time.Time

	// opMu serializes transitions so engine binds happen in transition order.
	opMu   sync.Mutex
	create singleflight.Group

	mu      sync.Mutex
	profile domain.ProfileID
	state   State
	active  *domain.Conversation
	epoch   uint64

	writes   sync.WaitGroup
	ptrMu    sync.Mutex
	ptrSeq   uint64
	ptrFlush uint64
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		store:    cfg.Store,
		pointers: cfg.Pointers,
		engine:   cfg.Engine,
		titles:   cfg.Titles,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		onChange: cfg.OnChange,
		now:      cfg.Now,
		state:    StateUnbound,
	}
	m.metrics.SetState(string(StateUnbound), allStates)
	return m
}

// SetProfile binds the manager to a profile. An empty profile signs out and
// clears all conversation state before returning. A non-empty one restores
// the cached conversation if the remote store still has it, or creates one.
func (m *Manager) SetProfile(ctx context.Context, profile domain.ProfileID) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if profile != "" && profile == m.profile && m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.profile = profile
	m.active = nil
	if profile == "" {
		m.state = StateUnbound
	} else {
		m.state = StateRestoring
	}
	state := m.state
	m.mu.Unlock()

	m.metrics.SetState(string(state), allStates)
	m.engine.Unbind()
	m.notify(nil)

	if profile == "" {
		m.logger.Info("profile cleared")
		return nil
	}
	m.logger.Info("restoring conversation", "profile", profile)
	return m.restoreLocked(ctx, profile)
}

// restoreLocked runs with opMu held.
func (m *Manager) restoreLocked(ctx context.Context, profile domain.ProfileID) error {
	cached, err := m.pointers.Load(ctx, profile)
	if err != nil {
		m.logger.Warn("conversation pointer unavailable", "profile", profile, "err", err)
		cached = nil
	}

	if cached != nil {
		conv, err := m.store.GetConversation(ctx, profile, cached.ID)
		if err != nil {
			// Stay in Restoring; the next Ensure retries.
			return domain.E(domain.KindTransientIO, "validate conversation", err)
		}
		if conv != nil {
			return m.enterReadyLocked(ctx, profile, *conv)
		}
		m.logger.Info("cached conversation no longer exists, creating a new one",
			"profile", profile, "conversation", cached.ID)
		if err := m.pointers.Evict(ctx, profile); err != nil {
			m.logger.Warn("failed to evict stale pointer", "profile", profile, "err", err)
		}
	}

	personalityID := m.titles.DefaultID()
	if cached != nil && cached.PersonalityID != "" {
		personalityID = cached.PersonalityID
	}
	_, err = m.createLocked(ctx, profile, m.titles.FallbackTitle(personalityID), personalityID)
	return err
}

// Select makes conv active without validating it against the store.
func (m *Manager) Select(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return domain.E(domain.KindValidation, "select conversation", fmt.Errorf("empty conversation id"))
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	profile, err := m.requireProfile("select conversation")
	if err != nil {
		return err
	}
	return m.enterReadyLocked(ctx, profile, conv)
}

// NewConversation starts a fresh conversation. It is rejected while the active
// conversation has no messages.
func (m *Manager) NewConversation(ctx context.Context, personalityID string) (*domain.Conversation, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	profile, err := m.requireProfile("new conversation")
	if err != nil {
		return nil, err
	}
	if m.ActiveID() != "" && m.engine.MessageCount() == 0 {
		return nil, domain.E(domain.KindValidation, "new conversation", domain.ErrEmptyConversation)
	}
	return m.createLocked(ctx, profile, m.titles.FallbackTitle(personalityID), personalityID)
}

// Ensure returns the active conversation id of profile, creating a
// conversation titled after firstText when there is none. Concurrent callers
// share one creation. It fails with ErrProfileChanged once profile is no
// longer the bound one.
func (m *Manager) Ensure(ctx context.Context, profile domain.ProfileID, firstText, personalityID string) (string, error) {
	const op = "ensure conversation"
	if id, err := m.activeFor(profile, op); err != nil || id != "" {
		return id, err
	}

	v, err, _ := m.create.Do(string(profile), func() (any, error) {
		m.opMu.Lock()
		defer m.opMu.Unlock()
		if id, err := m.activeFor(profile, op); err != nil || id != "" {
			return id, err
		}
		title := TitleFromText(firstText)
		if title == "" {
			title = m.titles.FallbackTitle(personalityID)
		}
		conv, err := m.createLocked(ctx, profile, title, personalityID)
		if conv == nil {
			return "", err
		}
		// A stream bind failure is already logged; the conversation exists.
		return conv.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Redirect switches to newID after the backend answered a send of profile in
// a different conversation. Pending entries of the previous conversation
// follow it. Nothing changes if profile signed out in the meantime.
func (m *Manager) Redirect(ctx context.Context, profile domain.ProfileID, newID, personalityID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	old, err := m.activeFor(profile, "redirect")
	if err != nil {
		return err
	}
	if newID == "" || newID == old {
		return nil
	}

	conv, err := m.store.GetConversation(ctx, profile, newID)
	if err != nil {
		m.logger.Warn("failed to fetch redirected conversation, using placeholder", "conversation", newID, "err", err)
	}
	if conv == nil {
		now := m.now().UTC()
		conv = &domain.Conversation{
			ID:            newID,
			ProfileID:     profile,
			Title:         RedirectTitle(newID),
			PersonalityID: personalityID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	m.logger.Info("backend redirected conversation", "from", old, "to", newID)
	if old == "" {
		return m.enterReadyLocked(ctx, profile, *conv)
	}
	return m.enterReadyLocked(ctx, profile, *conv, old)
}

// RecordExchange stores the latest message summary of one of profile's
// conversations and, when title is non-empty, its title. The active
// conversation is only updated while profile is still bound.
func (m *Manager) RecordExchange(ctx context.Context, profile domain.ProfileID, conversationID, lastText string, lastAt time.Time, title string) error {
	if profile == "" {
		return domain.E(domain.KindValidation, "record exchange", domain.ErrNoProfile)
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	patch := domain.ConversationPatch{LastMessageText: &lastText, LastMessageAt: &lastAt}
	if title != "" {
		patch.Title = &title
	}
	if err := m.store.UpdateConversation(ctx, profile, conversationID, patch); err != nil {
		return domain.E(domain.KindTransientIO, "record exchange", err)
	}

	m.mu.Lock()
	var updated *domain.Conversation
	if m.active != nil && m.active.ID == conversationID && m.profile == profile {
		patch.Apply(m.active, m.now().UTC())
		c := *m.active
		updated = &c
	}
	m.mu.Unlock()

	if updated != nil {
		m.savePointer(profile, *updated)
		m.notify(updated)
	}
	return nil
}

func (m *Manager) createLocked(ctx context.Context, profile domain.ProfileID, title, personalityID string) (*domain.Conversation, error) {
	m.mu.Lock()
	prevState := m.state
	epoch := m.epoch
	m.state = StateCreating
	m.mu.Unlock()
	m.metrics.SetState(string(StateCreating), allStates)

	now := m.now().UTC()
	conv := domain.Conversation{
		ProfileID:     profile,
		Title:         title,
		PersonalityID: personalityID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	id, err := m.store.CreateConversation(ctx, profile, conv)
	if err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.state = prevState
		}
		state := m.state
		m.mu.Unlock()
		m.metrics.SetState(string(state), allStates)
		return nil, domain.E(domain.KindTransientIO, "create conversation", err)
	}
	conv.ID = id
	m.logger.Info("conversation created", "profile", profile, "conversation", id, "title", title)

	if err := m.enterReadyLocked(ctx, profile, conv); err != nil && !errors.Is(err, domain.ErrProfileChanged) {
		return &conv, err
	}
	return &conv, nil
}

// enterReadyLocked makes conv active, rebinds the engine and writes the
// pointer in the background. Runs with opMu held.
func (m *Manager) enterReadyLocked(ctx context.Context, profile domain.ProfileID, conv domain.Conversation, adopt ...string) error {
	m.mu.Lock()
	if m.profile != profile {
		m.mu.Unlock()
		return domain.E(domain.KindStaleReference, "enter ready", domain.ErrProfileChanged)
	}
	conv.ProfileID = profile
	c := conv
	m.active = &c
	m.state = StateReady
	m.mu.Unlock()
	m.metrics.SetState(string(StateReady), allStates)

	m.savePointer(profile, conv)
	m.notify(&conv)

	if err := m.engine.Bind(ctx, profile, conv.ID, adopt...); err != nil {
		m.logger.Warn("failed to bind conversation stream", "conversation", conv.ID, "err", err)
		return err
	}
	return nil
}

// savePointer writes the pointer on a background goroutine. Writes are
// applied in call order; a write overtaken by a newer one is skipped.
func (m *Manager) savePointer(profile domain.ProfileID, conv domain.Conversation) {
	m.ptrMu.Lock()
	m.ptrSeq++
	seq := m.ptrSeq
	m.ptrMu.Unlock()

	m.writes.Add(1)
	go func() {
		defer m.writes.Done()
		m.ptrMu.Lock()
		defer m.ptrMu.Unlock()
		if seq <= m.ptrFlush {
			return
		}
		m.ptrFlush = seq

		ctx, cancel := context.WithTimeout(context.Background(), pointerWriteTimeout)
		defer cancel()
		if err := m.pointers.Save(ctx, profile, &conv); err != nil {
			m.logger.Warn("failed to save conversation pointer", "profile", profile, "err", err)
		}
	}()
}

// Wait blocks until background pointer writes have finished.
func (m *Manager) Wait() {
	m.writes.Wait()
}

func (m *Manager) requireProfile(op string) (domain.ProfileID, error) {
	p := m.Profile()
	if p == "" {
		return "", domain.E(domain.KindValidation, op, domain.ErrNoProfile)
	}
	return p, nil
}

// activeFor returns the active conversation id, or "" if there is none, as
// long as profile is the bound profile.
func (m *Manager) activeFor(profile domain.ProfileID, op string) (string, error) {
	if profile == "" {
		return "", domain.E(domain.KindValidation, op, domain.ErrNoProfile)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile != profile {
		return "", domain.E(domain.KindStaleReference, op, domain.ErrProfileChanged)
	}
	if m.active == nil {
		return "", nil
	}
	return m.active.ID, nil
}

func (m *Manager) notify(conv *domain.Conversation) {
	if m.onChange != nil {
		m.onChange(conv)
	}
}

func (m *Manager) Profile() domain.ProfileID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.ID
}

// Active returns a copy of the active conversation, or nil.
func (m *Manager) Active() *domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	c := *m.active
	return &c
}

// TitleFromText derives a conversation title from the first message: its
// first line, cut to 30 characters.
func TitleFromText(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, "\n\r"); idx > 0 {
		text = text[:idx]
	}
	runes := []rune(text)
	if len(runes) > titleMaxRunes {
		text = string(runes[:titleMaxRunes])
	}
	return strings.TrimSpace(text)
}

// RedirectTitle names a conversation known only by id.
func RedirectTitle(id string) string {
	runes := []rune(id)
	if len(runes) > 5 {
		runes = runes[:5]
	}
	return fmt.Sprintf("Chat (%s)", string(runes))
}
