// Package reconcile merges optimistic local messages with the authoritative
// message stream of the active conversation into one ordered view.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bhaichat/internal/domain"
	"bhaichat/internal/metrics"
)

const defaultConfirmWindow = 2 * time.Minute

type Config struct {
	Store  domain.RemoteStore
	Logger *slog.Logger
	// ConfirmWindow bounds how far apart an optimistic message and its
	// authoritative twin may be when matched by content.
	ConfirmWindow time.Duration
	// OnChange receives every merged list that differs from the previous one.
	// It must not call back into the Engine's mutating methods.
	OnChange func([]domain.Message)
	Metrics  *metrics.Metrics
}

// Engine owns the pending set and the remote snapshot of the active
// conversation. Every mutation and the reconciliation pass that follows it
// happen under one lock, and emissions are serialized in mutation order.
type Engine struct {
	store    domain.RemoteStore
	logger   *slog.Logger
	window   time.Duration
	onChange func([]domain.Message)
	metrics  *metrics.Metrics

	emitMu sync.Mutex

	mu         sync.Mutex
	profile    domain.ProfileID
	active     string
	bound      bool
	generation uint64
	// epoch changes only on Unbind; entries tagged with an older epoch
	// belong to a signed-out session.
	epoch      uint64
	remote     []domain.Message
	pins       map[string]time.Time
	claimed    map[string]struct{}
	pending    *PendingSet
	last       []domain.Message
	unsub      domain.Unsubscribe
	loading    bool
}

func NewEngine(cfg Config) *Engine {
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = defaultConfirmWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		logger:   cfg.Logger,
		window:   cfg.ConfirmWindow,
		onChange: cfg.OnChange,
		metrics:  cfg.Metrics,
		claimed:  make(map[string]struct{}),
		pins:     make(map[string]time.Time),
		pending:  NewPendingSet(),
	}
}

// Bind makes conversationID the active conversation. The previous stream is
// unsubscribed before anything else happens. Draft entries (added while no
// conversation was active) and entries of the adopt conversations move to the
// new conversation. The initial history is loaded before subscribing; a load
// failure is logged and the subscription still starts.
func (e *Engine) Bind(ctx context.Context, profile domain.ProfileID, conversationID string, adopt ...string) error {
	if conversationID == "" {
		return fmt.Errorf("bind: empty conversation id")
	}

	e.mutate(func() {
		e.stopLocked()
		e.generation++
		e.profile = profile
		e.active = conversationID
		e.bound = true
		e.remote = nil
		e.claimed = make(map[string]struct{})
		e.loading = true
		e.pending.Move("", conversationID)
		for _, from := range adopt {
			e.pending.Move(from, conversationID)
		}
	})

	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	msgs, err := e.store.QueryMessages(ctx, profile, conversationID)
	if err != nil {
		e.logger.Warn("initial message load failed, waiting for stream",
			"conversation", conversationID, "err", err)
		e.mutate(func() {
			if e.generation == gen {
				e.loading = false
			}
		})
	} else {
		e.mutate(func() {
			if e.generation != gen {
				return
			}
			e.applyLocked(msgs)
			for _, m := range e.remote {
				e.claimed[m.ID] = struct{}{}
			}
			e.loading = false
		})
	}

	unsub, err := e.store.Subscribe(ctx, profile, conversationID, func(msgs []domain.Message, err error) {
		e.onSnapshot(gen, conversationID, msgs, err)
	})
	if err != nil {
		e.metrics.SubscriptionError()
		return domain.E(domain.KindTransientIO, "subscribe", err)
	}

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		unsub()
		return nil
	}
	e.unsub = unsub
	e.mu.Unlock()

	e.logger.Debug("conversation bound", "conversation", conversationID, "history", len(msgs))
	return nil
}

// Unbind drops every piece of conversation state, as on sign-out.
func (e *Engine) Unbind() {
	e.mutate(func() {
		e.stopLocked()
		e.generation++
		e.epoch++
		e.profile = ""
		e.active = ""
		e.bound = false
		e.remote = nil
		e.claimed = make(map[string]struct{})
		e.pins = make(map[string]time.Time)
		e.pending.Clear()
		e.loading = false
	})
}

func (e *Engine) onSnapshot(gen uint64, conversationID string, msgs []domain.Message, err error) {
	if err != nil {
		e.metrics.SubscriptionError()
		e.logger.Warn("message stream error, keeping last good list",
			"conversation", conversationID, "err", err)
		return
	}
	e.mutate(func() {
		if e.generation != gen {
			e.logger.Debug("dropping snapshot for inactive conversation", "conversation", conversationID)
			return
		}
		e.applyLocked(msgs)
		e.loading = false
	})
}

// AddPending inserts an optimistic message. It is visible when its
// conversation is active, or when it is a draft and nothing is active.
func (e *Engine) AddPending(msg domain.Message) {
	e.mutate(func() {
		e.addLocked(msg)
	})
}

// AddPendingAt is AddPending for a caller that read Epoch earlier. The entry
// is discarded, and false returned, if Unbind ran since.
func (e *Engine) AddPendingAt(epoch uint64, msg domain.Message) bool {
	added := false
	e.mutate(func() {
		if e.epoch != epoch {
			return
		}
		e.addLocked(msg)
		added = true
	})
	return added
}

func (e *Engine) addLocked(msg domain.Message) {
	e.pending.Add(msg)
	if e.bound && msg.ConversationID == e.active {
		confirm(e.pending, e.active, e.remote, e.claimed, e.window)
	}
}

// Epoch identifies the current signed-in session of the engine.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// PinTimestamp fixes the timestamp of message id wherever the store delivers
// it, for replies whose stored time would sort before the message they answer.
func (e *Engine) PinTimestamp(id string, ts time.Time) {
	e.mutate(func() {
		ts = domain.NormalizeTimestamp(ts)
		e.pins[id] = ts
		for i := range e.remote {
			if e.remote[i].ID == id {
				e.remote[i].Timestamp = ts
			}
		}
	})
}

// ConfirmPending re-keys an optimistic message to its store-assigned id.
func (e *Engine) ConfirmPending(tempID, storeID string) {
	e.mutate(func() {
		if !e.pending.Rekey(tempID, storeID) {
			return
		}
		if e.bound {
			confirm(e.pending, e.active, e.remote, e.claimed, e.window)
		}
	})
}

// DropPending removes an optimistic message, e.g. after a failed send.
func (e *Engine) DropPending(id string) {
	e.mutate(func() {
		e.pending.Remove(id)
	})
}

// MovePending reassigns the entries of one conversation to another.
func (e *Engine) MovePending(from, to string) {
	e.mutate(func() {
		e.pending.Move(from, to)
	})
}

// Messages returns the last emitted list.
func (e *Engine) Messages() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Message, len(e.last))
	copy(out, e.last)
	return out
}

// MessageCount is the length of the current view, pending entries included.
func (e *Engine) MessageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.last)
}

// RemoteCount is the number of authoritative messages of the active conversation.
func (e *Engine) RemoteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.remote)
}

// IsPending reports whether an optimistic entry with this id is still
// waiting for confirmation.
func (e *Engine) IsPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Has(id)
}

func (e *Engine) PendingCount(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Len(conversationID)
}

func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// mutate runs fn under the state lock, reconciles, and emits the new list
// if it changed.
func (e *Engine) mutate(fn func()) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	fn()
	view, changed := e.reconcileLocked()
	e.mu.Unlock()

	if changed && e.onChange != nil {
		e.onChange(view)
	}
}

func (e *Engine) applyLocked(msgs []domain.Message) {
	remote := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != e.active {
			continue
		}
		m.ConversationID = e.active
		m.Timestamp = domain.NormalizeTimestamp(m.Timestamp)
		if ts, ok := e.pins[m.ID]; ok {
			m.Timestamp = ts
		}
		remote = append(remote, m)
	}
	e.remote = remote
	if n := confirm(e.pending, e.active, e.remote, e.claimed, e.window); n > 0 {
		e.logger.Debug("optimistic messages confirmed", "conversation", e.active, "count", n)
	}
}

func (e *Engine) reconcileLocked() ([]domain.Message, bool) {
	var view []domain.Message
	if e.bound {
		view = Merge(e.remote, e.pending.For(e.active), e.active)
	} else {
		view = Merge(nil, e.pending.For(""), "")
	}
	changed := !sameView(view, e.last)
	if changed {
		e.last = view
	}
	e.metrics.ObserveReconcile(changed, e.pending.Total())
	if !changed {
		return nil, false
	}
	out := make([]domain.Message, len(view))
	copy(out, view)
	return out, true
}

func (e *Engine) stopLocked() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
}
