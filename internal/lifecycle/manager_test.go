package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bhaichat/internal/domain"
	"bhaichat/internal/personality"
	"bhaichat/internal/pointer"
	"bhaichat/internal/reconcile"
	"bhaichat/internal/remote"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const profile = domain.ProfileID("u1_local")

// flakyStore fails the next failCreates conversation creations.
type flakyStore struct {
	*remote.Memory
	failCreates atomic.Int32
	creates     atomic.Int32
}

func (f *flakyStore) CreateConversation(ctx context.Context, p domain.ProfileID, conv domain.Conversation) (string, error) {
	if f.failCreates.Add(-1) >= 0 {
		return "", errors.New("store unavailable")
	}
	f.creates.Add(1)
	return f.Memory.CreateConversation(ctx, p, conv)
}

type env struct {
	store  *flakyStore
	kv     *pointer.MemoryKV
	cache  *pointer.Cache
	engine *reconcile.Engine
	mgr    *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := remote.NewMemory(testLogger())
	t.Cleanup(func() { mem.Close() })
	store := &flakyStore{Memory: mem}
	kv := pointer.NewMemoryKV()
	cache := pointer.NewCache(kv, testLogger())
	engine := reconcile.NewEngine(reconcile.Config{Store: store, Logger: testLogger()})
	t.Cleanup(engine.Unbind)
	mgr := New(Config{
		Store:    store,
		Pointers: cache,
		Engine:   engine,
		Titles:   personality.NewCatalog(),
		Logger:   testLogger(),
	})
	return &env{store: store, kv: kv, cache: cache, engine: engine, mgr: mgr}
}

func (e *env) storedPointer(t *testing.T) *domain.Conversation {
	t.Helper()
	return e.storedPointerFor(t, profile)
}

func (e *env) storedPointerFor(t *testing.T, p domain.ProfileID) *domain.Conversation {
	t.Helper()
	e.mgr.Wait()
	conv, err := e.cache.Load(context.Background(), p)
	if err != nil {
		t.Fatalf("load pointer: %v", err)
	}
	return conv
}

func TestSetProfile_NoPointerCreatesConversation(t *testing.T) {
	e := newEnv(t)
	if err := e.mgr.SetProfile(context.Background(), profile); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	if e.mgr.State() != StateReady {
		t.Fatalf("expected ready, got %s", e.mgr.State())
	}
	active := e.mgr.Active()
	if active == nil || active.Title != "New Swag Bhai Chat" {
		t.Fatalf("unexpected active conversation %+v", active)
	}
	if ptr := e.storedPointer(t); ptr == nil || ptr.ID != active.ID {
		t.Fatalf("pointer should reference %s, got %+v", active.ID, ptr)
	}
	if e.engine.Active() != active.ID {
		t.Fatalf("engine should be bound to %s, got %q", active.ID, e.engine.Active())
	}
}

func TestSetProfile_RestoresValidPointer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.store.Memory.CreateConversation(ctx, profile, domain.Conversation{Title: "Cricket"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.cache.Save(ctx, profile, &domain.Conversation{ID: id, Title: "stale title"}); err != nil {
		t.Fatal(err)
	}

	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	active := e.mgr.Active()
	if active == nil || active.ID != id {
		t.Fatalf("expected restored %s, got %+v", id, active)
	}
	if active.Title != "Cricket" {
		t.Fatalf("restored conversation should come from the store, got title %q", active.Title)
	}
	if e.store.creates.Load() != 0 {
		t.Fatal("no conversation should be created when the pointer is valid")
	}
}

func TestSetProfile_StalePointerRecreated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.cache.Save(ctx, profile, &domain.Conversation{ID: "X", PersonalityID: "ceo_bhai"}); err != nil {
		t.Fatal(err)
	}

	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatalf("stale pointer must not surface an error: %v", err)
	}
	active := e.mgr.Active()
	if active == nil || active.ID == "X" {
		t.Fatalf("expected a new conversation, got %+v", active)
	}
	if active.Title != "New CEO Bhai Chat" {
		t.Fatalf("fallback title should use the cached personality, got %q", active.Title)
	}
	if ptr := e.storedPointer(t); ptr == nil || ptr.ID != active.ID {
		t.Fatalf("pointer should be overwritten with %s, got %+v", active.ID, ptr)
	}
}

func TestSetProfile_CreationFailureRevertsState(t *testing.T) {
	e := newEnv(t)
	e.store.failCreates.Store(1)

	err := e.mgr.SetProfile(context.Background(), profile)
	if domain.KindOf(err) != domain.KindTransientIO {
		t.Fatalf("expected transient_io, got %v", err)
	}
	if e.mgr.State() != StateRestoring || e.mgr.ActiveID() != "" {
		t.Fatalf("state should revert to restoring, got %s active=%q", e.mgr.State(), e.mgr.ActiveID())
	}
}

func TestSetProfile_SignOutClearsState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	e.engine.AddPending(domain.Message{ID: reconcile.NewTempID(), ConversationID: e.mgr.ActiveID(), Sender: domain.SenderUser, Text: "hi", Timestamp: time.Now()})

	if err := e.mgr.SetProfile(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if e.mgr.State() != StateUnbound || e.mgr.Active() != nil {
		t.Fatalf("expected unbound with no active conversation, got %s", e.mgr.State())
	}
	if len(e.engine.Messages()) != 0 {
		t.Fatal("sign-out should clear all messages")
	}
	if _, err := e.mgr.NewConversation(ctx, ""); !errors.Is(err, domain.ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile after sign-out, got %v", err)
	}
}

func TestNewConversation_RejectedWhenEmpty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	before := e.mgr.ActiveID()

	_, err := e.mgr.NewConversation(ctx, "")
	if !errors.Is(err, domain.ErrEmptyConversation) || domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected empty conversation validation error, got %v", err)
	}
	if e.mgr.ActiveID() != before {
		t.Fatal("active conversation must not change")
	}
}

func TestNewConversation_AfterMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	before := e.mgr.ActiveID()
	e.engine.AddPending(domain.Message{ID: reconcile.NewTempID(), ConversationID: before, Sender: domain.SenderUser, Text: "hi", Timestamp: time.Now()})

	conv, err := e.mgr.NewConversation(ctx, "roast_bhai")
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	if conv.ID == before || e.mgr.ActiveID() != conv.ID {
		t.Fatalf("expected switch to new conversation, active=%q new=%q", e.mgr.ActiveID(), conv.ID)
	}
	if conv.Title != "New Roast Bhai Chat" || conv.PersonalityID != "roast_bhai" {
		t.Fatalf("unexpected new conversation %+v", conv)
	}
}

func TestSelect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	other := domain.Conversation{ID: "picked", Title: "From sidebar"}
	if err := e.mgr.Select(ctx, other); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if e.mgr.ActiveID() != "picked" || e.engine.Active() != "picked" {
		t.Fatalf("select should rebind to picked, got %q / %q", e.mgr.ActiveID(), e.engine.Active())
	}
	if ptr := e.storedPointer(t); ptr == nil || ptr.ID != "picked" {
		t.Fatalf("pointer should follow selection, got %+v", ptr)
	}
	if err := e.mgr.Select(ctx, domain.Conversation{}); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("empty id should be rejected, got %v", err)
	}
}

func TestEnsure_ReturnsActive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	id, err := e.mgr.Ensure(ctx, profile, "hello", "")
	if err != nil || id != e.mgr.ActiveID() {
		t.Fatalf("Ensure = %q, %v; want active %q", id, err, e.mgr.ActiveID())
	}
}

func TestEnsure_ConcurrentCallsShareCreation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.failCreates.Store(1)
	_ = e.mgr.SetProfile(ctx, profile)
	if e.mgr.ActiveID() != "" {
		t.Fatal("setup: expected no active conversation")
	}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = e.mgr.Ensure(ctx, profile, "Kya scene hai bhai, aaj ka plan kya hai?", "")
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("Ensure %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("concurrent Ensure returned different ids: %v", ids)
		}
	}
	if n := e.store.creates.Load(); n != 1 {
		t.Fatalf("expected exactly one creation, got %d", n)
	}
	if title := e.mgr.Active().Title; title != "Kya scene hai bhai, aaj ka pla" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestEnsure_RequiresProfile(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Ensure(context.Background(), "", "hi", "")
	if !errors.Is(err, domain.ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
}

const otherProfile = domain.ProfileID("u2_local")

func TestEnsure_AfterSignOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	if err := e.mgr.SetProfile(ctx, ""); err != nil {
		t.Fatal(err)
	}
	creates := e.store.creates.Load()

	_, err := e.mgr.Ensure(ctx, profile, "hi", "")
	if !errors.Is(err, domain.ErrProfileChanged) || domain.KindOf(err) != domain.KindStaleReference {
		t.Fatalf("expected ErrProfileChanged, got %v", err)
	}
	if e.store.creates.Load() != creates || e.mgr.State() != StateUnbound {
		t.Fatal("a signed-out profile must not create conversations")
	}
}

func TestRedirect_IgnoredForPreviousProfile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	if err := e.mgr.SetProfile(ctx, otherProfile); err != nil {
		t.Fatal(err)
	}
	active := e.mgr.ActiveID()

	err := e.mgr.Redirect(ctx, profile, "backend-conv-of-u1", "")
	if !errors.Is(err, domain.ErrProfileChanged) {
		t.Fatalf("expected ErrProfileChanged, got %v", err)
	}
	if e.mgr.ActiveID() != active || e.engine.Active() != active {
		t.Fatalf("redirect of another profile switched the active conversation to %q", e.mgr.ActiveID())
	}
	if ptr := e.storedPointerFor(t, otherProfile); ptr == nil || ptr.ID != active {
		t.Fatalf("pointer of the signed-in profile overwritten: %+v", ptr)
	}
}

func TestRedirect_MovesPendingAndUsesPlaceholderTitle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	old := e.mgr.ActiveID()
	e.engine.AddPending(domain.Message{ID: reconcile.NewTempID(), ConversationID: old, Sender: domain.SenderUser, Text: "hi", Timestamp: time.Now()})

	if err := e.mgr.Redirect(ctx, profile, "abcdef123", "swag_bhai"); err != nil {
		t.Fatalf("Redirect: %v", err)
	}
	active := e.mgr.Active()
	if active.ID != "abcdef123" || active.Title != "Chat (abcde)" {
		t.Fatalf("unexpected redirected conversation %+v", active)
	}
	if e.engine.PendingCount("abcdef123") != 1 || e.engine.PendingCount(old) != 0 {
		t.Fatal("pending entries should follow the redirect")
	}
}

func TestRedirect_FetchesKnownConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	id, err := e.store.Memory.CreateConversation(ctx, profile, domain.Conversation{Title: "Backend made this"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.mgr.Redirect(ctx, profile, id, ""); err != nil {
		t.Fatal(err)
	}
	if e.mgr.Active().Title != "Backend made this" {
		t.Fatalf("expected stored title, got %q", e.mgr.Active().Title)
	}
}

func TestRecordExchange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	id := e.mgr.ActiveID()
	at := time.UnixMilli(5000).UTC()

	if err := e.mgr.RecordExchange(ctx, profile, id, "sure bhai", at, "Weekend plans"); err != nil {
		t.Fatalf("RecordExchange: %v", err)
	}
	stored, _ := e.store.GetConversation(ctx, profile, id)
	if stored.Title != "Weekend plans" || stored.LastMessageText != "sure bhai" || !stored.LastMessageAt.Equal(at) {
		t.Fatalf("store not updated: %+v", stored)
	}
	if e.mgr.Active().Title != "Weekend plans" {
		t.Fatal("active copy should reflect the update")
	}

	if err := e.mgr.RecordExchange(ctx, profile, id, "again", at, ""); err != nil {
		t.Fatal(err)
	}
	stored, _ = e.store.GetConversation(ctx, profile, id)
	if stored.Title != "Weekend plans" {
		t.Fatal("an empty title must leave the title unchanged")
	}
}

func TestRecordExchange_PreviousProfileLeavesActiveAlone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	id := e.mgr.ActiveID()
	if err := e.mgr.SetProfile(ctx, otherProfile); err != nil {
		t.Fatal(err)
	}
	active := e.mgr.Active()

	if err := e.mgr.RecordExchange(ctx, profile, id, "late reply", time.UnixMilli(9000).UTC(), "Late"); err != nil {
		t.Fatalf("RecordExchange: %v", err)
	}
	stored, _ := e.store.GetConversation(ctx, profile, id)
	if stored.LastMessageText != "late reply" {
		t.Fatalf("summary should land in the original profile: %+v", stored)
	}
	if got := e.mgr.Active(); got.ID != active.ID || got.Title != active.Title || got.LastMessageText != "" {
		t.Fatalf("active conversation of the new profile changed: %+v", got)
	}
}

func TestOnChangeReportsTransitions(t *testing.T) {
	mem := remote.NewMemory(testLogger())
	defer mem.Close()
	engine := reconcile.NewEngine(reconcile.Config{Store: mem, Logger: testLogger()})
	defer engine.Unbind()

	var mu sync.Mutex
	var seen []*domain.Conversation
	mgr := New(Config{
		Store:    mem,
		Pointers: pointer.NewCache(pointer.NewMemoryKV(), testLogger()),
		Engine:   engine,
		Titles:   personality.NewCatalog(),
		Logger:   testLogger(),
		OnChange: func(c *domain.Conversation) {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	if err := mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	if err := mgr.SetProfile(ctx, ""); err != nil {
		t.Fatal(err)
	}
	mgr.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != nil || seen[1] == nil || seen[2] != nil {
		t.Fatalf("expected nil, conversation, nil; got %v", seen)
	}
}

func TestPointerWritesDoNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	ctx := context.Background()
	if err := e.mgr.SetProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := e.mgr.Select(ctx, domain.Conversation{ID: strings.Repeat("c", i+1)}); err != nil {
			t.Fatal(err)
		}
	}
	e.mgr.Wait()
	if ptr := e.storedPointer(t); ptr == nil || ptr.ID != "ccccc" {
		t.Fatalf("last selection should win, got %+v", ptr)
	}
	e.engine.Unbind()
	e.store.Close()
}

func TestTitleFromText(t *testing.T) {
	hindi := strings.Repeat("बहुत", 10)
	tests := []struct {
		in, want string
	}{
		{"hi", "hi"},
		{"   padded   ", "padded"},
		{"", ""},
		{"first line\nsecond", "first line"},
		{"123456789012345678901234567890", "123456789012345678901234567890"},
		{"1234567890123456789012345678901", "123456789012345678901234567890"},
		{hindi, string([]rune(hindi)[:30])},
	}
	for _, tt := range tests {
		if got := TitleFromText(tt.in); got != tt.want {
			t.Errorf("TitleFromText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedirectTitle(t *testing.T) {
	if got := RedirectTitle("abcdef"); got != "Chat (abcde)" {
		t.Fatalf("got %q", got)
	}
	if got := RedirectTitle("ab"); got != "Chat (ab)" {
		t.Fatalf("got %q", got)
	}
}
