package pointer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"bhaichat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSQLite(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "nested", "bhaichat.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteKV: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestKey(t *testing.T) {
	if got := Key("abc_local"); got != "currentConversation_abc_local" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestKVBackends(t *testing.T) {
	backends := map[string]domain.KV{
		"memory": NewMemoryKV(),
		"sqlite": testSQLite(t),
	}
	for name, kv := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := kv.Get(ctx, "k"); err != nil || ok {
				t.Fatalf("expected absent key, ok=%v err=%v", ok, err)
			}
			if err := kv.Set(ctx, "k", "v1"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := kv.Set(ctx, "k", "v2"); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			v, ok, err := kv.Get(ctx, "k")
			if err != nil || !ok || v != "v2" {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}
			if err := kv.Remove(ctx, "k"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, ok, _ := kv.Get(ctx, "k"); ok {
				t.Fatal("key should be gone after Remove")
			}
			if err := kv.Remove(ctx, "missing"); err != nil {
				t.Fatalf("Remove of a missing key should succeed: %v", err)
			}
		})
	}
}

func TestSQLiteKV_Migrations(t *testing.T) {
	kv := testSQLite(t)
	v, err := GetSchemaVersion(kv.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, v)
	}
	if err := RunMigrations(kv.db, testLogger()); err != nil {
		t.Fatalf("re-running migrations should be a no-op: %v", err)
	}
}

func TestSQLiteKV_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bhaichat.db")
	ctx := context.Background()

	kv, err := NewSQLiteKV(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, "k", "persisted"); err != nil {
		t.Fatal(err)
	}
	kv.Close()

	kv, err = NewSQLiteKV(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	v, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok || v != "persisted" {
		t.Fatalf("Get after reopen = %q, %v, %v", v, ok, err)
	}
}

func TestCache_SaveLoadEvict(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryKV(), testLogger())
	profile := domain.ProfileID("u1_local")

	got, err := cache.Load(ctx, profile)
	if err != nil || got != nil {
		t.Fatalf("expected no pointer, got %+v, %v", got, err)
	}

	conv := &domain.Conversation{ID: "c1", Title: "Cricket", PersonalityID: "swag_bhai", CreatedAt: time.UnixMilli(1000).UTC()}
	if err := cache.Save(ctx, profile, conv); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = cache.Load(ctx, profile)
	if err != nil || got == nil {
		t.Fatalf("Load: %+v, %v", got, err)
	}
	if got.ID != "c1" || got.Title != "Cricket" || !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Fatalf("unexpected pointer %+v", got)
	}

	if err := cache.Save(ctx, profile, nil); err != nil {
		t.Fatalf("Save nil: %v", err)
	}
	if got, _ := cache.Load(ctx, profile); got != nil {
		t.Fatal("saving nil should remove the pointer")
	}
}

func TestCache_ProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryKV(), testLogger())
	if err := cache.Save(ctx, "a_local", &domain.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := cache.Load(ctx, "b_local"); got != nil {
		t.Fatalf("profile b should not see a's pointer: %+v", got)
	}
}

func TestCache_CorruptEntryEvicted(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	cache := NewCache(kv, testLogger())
	profile := domain.ProfileID("u1_local")

	if err := kv.Set(ctx, Key(profile), "{not json"); err != nil {
		t.Fatal(err)
	}
	got, err := cache.Load(ctx, profile)
	if err != nil || got != nil {
		t.Fatalf("corrupt entry should read as absent, got %+v, %v", got, err)
	}
	if _, ok, _ := kv.Get(ctx, Key(profile)); ok {
		t.Fatal("corrupt entry should be evicted")
	}
}

func TestCache_MismatchedProfileEvicted(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	cache := NewCache(kv, testLogger())

	if err := kv.Set(ctx, Key("u1_local"), `{"profile_id":"other_google","conversation":{"id":"c9"}}`); err != nil {
		t.Fatal(err)
	}
	if got, _ := cache.Load(ctx, "u1_local"); got != nil {
		t.Fatalf("pointer of another profile must be ignored, got %+v", got)
	}
}

func TestCache_RequiresProfile(t *testing.T) {
	cache := NewCache(NewMemoryKV(), testLogger())
	_, err := cache.Load(context.Background(), "")
	if !errors.Is(err, domain.ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
}

type failingKV struct{ MemoryKV }

func (*failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}

func TestCache_LoadFailureIsTransient(t *testing.T) {
	cache := NewCache(&failingKV{}, testLogger())
	_, err := cache.Load(context.Background(), "u1_local")
	if domain.KindOf(err) != domain.KindTransientIO {
		t.Fatalf("expected transient_io, got %v", err)
	}
}
