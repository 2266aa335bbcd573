// Package pipeline sends one user message through optimistic display,
// persistence, the AI backend and the conversation summary update.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bhaichat/internal/domain"
	"bhaichat/internal/lifecycle"
	"bhaichat/internal/metrics"
	"bhaichat/internal/reconcile"
)

// copyWindow bounds how far before the original a copy of a redirected user
// message may be stamped and still count as the same message.
const copyWindow = 2 * time.Minute

// Reconciler is the pending-set surface of the reconciliation engine.
type Reconciler interface {
	Epoch() uint64
	AddPendingAt(epoch uint64, msg domain.Message) bool
	ConfirmPending(tempID, storeID string)
	DropPending(id string)
	IsPending(id string) bool
	PinTimestamp(id string, ts time.Time)
	RemoteCount() int
	Active() string
}

// Conversations is the lifecycle surface the pipeline needs. Each call names
// the profile the send started with and fails with ErrProfileChanged once
// that profile has signed out.
type Conversations interface {
	Ensure(ctx context.Context, profile domain.ProfileID, firstText, personalityID string) (string, error)
	Redirect(ctx context.Context, profile domain.ProfileID, newID, personalityID string) error
	RecordExchange(ctx context.Context, profile domain.ProfileID, conversationID, lastText string, lastAt time.Time, title string) error
}

type Config struct {
	Store         domain.RemoteStore
	Backend       domain.ChatBackend
	Reconciler    Reconciler
	Conversations Conversations
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// TitleEnabled asks the backend heading endpoint for the first title.
	TitleEnabled bool
	// PersistReplies stores replies the backend did not report an id for.
	PersistReplies bool
	// OnSending is called when a conversation starts or stops sending.
	OnSending func(conversationID string, sending bool)
	Now       func() time.Time
}

type Request struct {
	Text          string
	PersonalityID string
	Profile       domain.ProfileID
	UserID        string
	// ConversationID is empty when no conversation is active yet.
	ConversationID string
}

type Result struct {
	ConversationID string
	User           domain.Message
	Reply          domain.Message
}

type Pipeline struct {
	store          domain.RemoteStore
	backend        domain.ChatBackend
	rec            Reconciler
	convs          Conversations
	logger         *slog.Logger
	metrics        *metrics.Metrics
	titleEnabled   bool
	persistReplies bool
	onSending      func(string, bool)
	now            func() time.Time

	mu sync.Mutex
	// inFlight maps a conversation id to a channel closed when its send ends.
	inFlight map[string]chan struct{}
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		store:          cfg.Store,
		backend:        cfg.Backend,
		rec:            cfg.Reconciler,
		convs:          cfg.Conversations,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		titleEnabled:   cfg.TitleEnabled,
		persistReplies: cfg.PersistReplies,
		onSending:      cfg.OnSending,
		now:            cfg.Now,
		inFlight:       make(map[string]chan struct{}),
	}
}

// Send delivers one user message. At most one send runs per conversation;
// a concurrent call for the same conversation fails with ErrSendInFlight.
// If the profile signs out before the send finishes, nothing more reaches the
// view and the send fails with ErrProfileChanged; the store still receives
// what belongs to the original profile.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Result, error) {
	start := p.now()
	text := strings.TrimSpace(req.Text)
	if text == "" {
		p.metrics.ObserveSend(metrics.ResultRejected, 0)
		return nil, domain.E(domain.KindValidation, "send", domain.ErrEmptyText)
	}
	if req.Profile == "" {
		p.metrics.ObserveSend(metrics.ResultRejected, 0)
		return nil, domain.E(domain.KindValidation, "send", domain.ErrNoProfile)
	}
	if !p.acquire(req.ConversationID) {
		p.metrics.ObserveSend(metrics.ResultRejected, 0)
		return nil, domain.E(domain.KindValidation, "send", domain.ErrSendInFlight)
	}
	held := []string{req.ConversationID}
	defer func() {
		for _, key := range held {
			p.release(key)
		}
	}()

	firstExchange := req.ConversationID == "" ||
		(p.rec.Active() == req.ConversationID && p.rec.RemoteCount() == 0)

	epoch := p.rec.Epoch()
	user := domain.Message{
		ID:             reconcile.NewTempID(),
		ConversationID: req.ConversationID,
		Sender:         domain.SenderUser,
		Text:           text,
		Timestamp:      domain.NormalizeTimestamp(start),
		PersonalityID:  req.PersonalityID,
	}
	if !p.rec.AddPendingAt(epoch, user) {
		return p.signedOut(req, user.ID)
	}

	conv := req.ConversationID
	if conv == "" {
		id, err := p.convs.Ensure(ctx, req.Profile, text, req.PersonalityID)
		if errors.Is(err, domain.ErrProfileChanged) {
			return p.signedOut(req, user.ID)
		}
		if err != nil {
			p.rec.DropPending(user.ID)
			p.metrics.ObserveSend(metrics.ResultStoreFailure, 0)
			return nil, err
		}
		if !p.acquire(id) {
			p.rec.DropPending(user.ID)
			p.metrics.ObserveSend(metrics.ResultRejected, 0)
			return nil, domain.E(domain.KindValidation, "send", domain.ErrSendInFlight)
		}
		held = append(held, id)
		conv = id
		user.ConversationID = id
	}

	storeID, err := p.store.InsertMessage(ctx, req.Profile, conv, user)
	if err != nil {
		p.rec.DropPending(user.ID)
		p.metrics.ObserveSend(metrics.ResultStoreFailure, 0)
		p.logger.Warn("failed to persist user message", "conversation", conv, "err", err)
		return nil, domain.E(domain.KindTransientIO, "persist message", err)
	}
	p.rec.ConfirmPending(user.ID, storeID)
	user.ID = storeID
	user.Optimistic = false

	reply, err := p.backend.Chat(ctx, domain.ChatRequest{
		Text:           text,
		PersonalityID:  req.PersonalityID,
		ConversationID: conv,
		UserID:         req.UserID,
		ProfileID:      req.Profile,
	})
	if err != nil {
		p.rec.DropPending(user.ID)
		p.metrics.ObserveSend(metrics.ResultBackendFailure, 0)
		p.logger.Warn("chat backend failed", "conversation", conv, "err", err)
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.E(domain.KindBackendFailure, "chat", err)
		}
		return nil, err
	}

	stale := false
	if reply.ConversationID != "" && reply.ConversationID != conv {
		// Sends into the target conversation are serialized like any other.
		if err := p.acquireWait(ctx, reply.ConversationID); err != nil {
			p.rec.DropPending(user.ID)
			p.metrics.ObserveSend(metrics.ResultRejected, 0)
			return nil, domain.E(domain.KindTransientIO, "follow redirect", err)
		}
		held = append(held, reply.ConversationID)

		err := p.convs.Redirect(ctx, req.Profile, reply.ConversationID, req.PersonalityID)
		switch {
		case errors.Is(err, domain.ErrProfileChanged):
			stale = true
		case err != nil:
			p.logger.Warn("failed to follow conversation redirect", "to", reply.ConversationID, "err", err)
		}
		conv = reply.ConversationID
		if !stale {
			user = p.carryOver(ctx, req.Profile, epoch, conv, user)
		}
	}

	ts := reply.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	ts = CorrectReplyTimestamp(user.Timestamp, ts)

	personalityID := reply.PersonalityID
	if personalityID == "" {
		personalityID = req.PersonalityID
	}
	assistant := domain.Message{
		ID:             reply.MessageID,
		ConversationID: conv,
		Sender:         domain.SenderAssistant,
		Text:           reply.Text,
		Timestamp:      ts,
		PersonalityID:  personalityID,
	}
	if assistant.ID == "" {
		assistant.ID = reconcile.NewTempID()
	}
	if !stale && !p.rec.AddPendingAt(epoch, assistant) {
		stale = true
	}
	if !stale && reply.MessageID != "" {
		// The backend stored the reply with its own clock.
		p.rec.PinTimestamp(reply.MessageID, ts)
	}

	if p.persistReplies && reply.MessageID == "" {
		id, err := p.store.InsertMessage(ctx, req.Profile, conv, assistant)
		if err != nil {
			p.logger.Warn("failed to persist assistant reply", "conversation", conv, "err", err)
		} else {
			p.rec.ConfirmPending(assistant.ID, id)
			assistant.ID = id
		}
	}

	title := ""
	if firstExchange && !stale {
		title = p.title(ctx, text, reply.Text)
	}
	if err := p.convs.RecordExchange(ctx, req.Profile, conv, reply.Text, ts, title); err != nil {
		p.logger.Warn("failed to update conversation summary", "conversation", conv, "err", err)
	}

	if stale {
		return p.signedOut(req, user.ID, assistant.ID)
	}
	p.metrics.ObserveSend(metrics.ResultOK, p.now().Sub(start))
	p.logger.Debug("message sent", "conversation", conv, "reply_id", assistant.ID)
	return &Result{ConversationID: conv, User: user, Reply: assistant}, nil
}

// signedOut ends a send whose profile is no longer bound, removing whatever
// it left in the pending set.
func (p *Pipeline) signedOut(req Request, pendingIDs ...string) (*Result, error) {
	for _, id := range pendingIDs {
		p.rec.DropPending(id)
	}
	p.metrics.ObserveSend(metrics.ResultRejected, 0)
	p.logger.Info("profile signed out during send, result discarded", "profile", req.Profile)
	return nil, domain.E(domain.KindStaleReference, "send", domain.ErrProfileChanged)
}

// carryOver makes the user message part of the conversation the backend
// answered in. A copy the backend already wrote there is used as is;
// otherwise the message is stored in the new conversation.
func (p *Pipeline) carryOver(ctx context.Context, profile domain.ProfileID, epoch uint64, conv string, user domain.Message) domain.Message {
	// The old store id can never be confirmed by the new stream.
	p.rec.DropPending(user.ID)

	history, err := p.store.QueryMessages(ctx, profile, conv)
	if err != nil {
		p.logger.Warn("cannot read redirected conversation, user message stays in the old one",
			"conversation", conv, "err", err)
		return user
	}
	for _, m := range history {
		if m.Sender == user.Sender && m.Text == user.Text && !m.Timestamp.Before(user.Timestamp.Add(-copyWindow)) {
			return m
		}
	}

	moved := user
	moved.ID = reconcile.NewTempID()
	moved.ConversationID = conv
	if !p.rec.AddPendingAt(epoch, moved) {
		return user
	}
	id, err := p.store.InsertMessage(ctx, profile, conv, moved)
	if err != nil {
		p.rec.DropPending(moved.ID)
		p.logger.Warn("failed to copy user message into redirected conversation", "conversation", conv, "err", err)
		return user
	}
	p.rec.ConfirmPending(moved.ID, id)
	moved.ID = id
	return moved
}

// CorrectReplyTimestamp returns reply unless it does not come strictly after
// user, in which case it returns user plus one timestamp unit.
func CorrectReplyTimestamp(user, reply time.Time) time.Time {
	reply = domain.NormalizeTimestamp(reply)
	user = domain.NormalizeTimestamp(user)
	if !reply.After(user) {
		return user.Add(domain.TimestampUnit)
	}
	return reply
}

func (p *Pipeline) title(ctx context.Context, userText, replyText string) string {
	if p.titleEnabled {
		t, err := p.backend.Title(ctx, []string{userText, replyText})
		if err != nil {
			p.logger.Debug("heading request failed, using message text", "err", err)
		} else if t != "" {
			return t
		}
	}
	return lifecycle.TitleFromText(userText)
}

// IsSending reports whether a send is in flight for conversationID. The empty
// id covers a send that is still creating its conversation.
func (p *Pipeline) IsSending(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[conversationID]
	return ok
}

func (p *Pipeline) acquire(key string) bool {
	p.mu.Lock()
	if _, busy := p.inFlight[key]; busy {
		p.mu.Unlock()
		return false
	}
	p.inFlight[key] = make(chan struct{})
	p.mu.Unlock()
	if p.onSending != nil {
		p.onSending(key, true)
	}
	return true
}

// acquireWait is acquire that waits for the send holding key to finish.
func (p *Pipeline) acquireWait(ctx context.Context, key string) error {
	for {
		p.mu.Lock()
		done, busy := p.inFlight[key]
		p.mu.Unlock()
		if !busy {
			if p.acquire(key) {
				return nil
			}
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	if done, ok := p.inFlight[key]; ok {
		close(done)
		delete(p.inFlight, key)
	}
	p.mu.Unlock()
	if p.onSending != nil {
		p.onSending(key, false)
	}
}
