package reconcile

import (
	"testing"

	"bhaichat/internal/domain"
)

func TestTempID(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Fatalf("expected %q to be a temp id", id)
	}
	if IsTempID("3f1c0a") {
		t.Fatal("store ids are not temp ids")
	}
	if NewTempID() == id {
		t.Fatal("temp ids should be unique")
	}
}

func TestPendingSet_AddMarksOptimistic(t *testing.T) {
	p := NewPendingSet()
	p.Add(msg("tmp:a", "c1", domain.SenderUser, "hi", 1))
	got := p.For("c1")
	if len(got) != 1 || !got[0].Optimistic {
		t.Fatalf("expected one optimistic entry, got %+v", got)
	}
}

func TestPendingSet_RemoveAndRekey(t *testing.T) {
	p := NewPendingSet()
	p.Add(msg("tmp:a", "c1", domain.SenderUser, "hi", 1))
	p.Add(msg("tmp:b", "c2", domain.SenderUser, "yo", 2))

	if !p.Rekey("tmp:b", "m2") {
		t.Fatal("rekey should find tmp:b")
	}
	if p.Rekey("tmp:zzz", "x") {
		t.Fatal("rekey of unknown id should report false")
	}
	if got := p.For("c2"); got[0].ID != "m2" {
		t.Fatalf("expected rekeyed id m2, got %s", got[0].ID)
	}

	if !p.Remove("tmp:a") {
		t.Fatal("remove should find tmp:a")
	}
	if p.Len("c1") != 0 || p.Total() != 1 {
		t.Fatalf("unexpected sizes after remove: c1=%d total=%d", p.Len("c1"), p.Total())
	}
}

func TestPendingSet_Move(t *testing.T) {
	p := NewPendingSet()
	p.Add(msg("tmp:a", "", domain.SenderUser, "draft", 1))
	p.Add(msg("tmp:b", "c1", domain.SenderUser, "old", 0))

	if n := p.Move("", "c1"); n != 1 {
		t.Fatalf("expected 1 moved, got %d", n)
	}
	got := p.For("c1")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries in c1, got %d", len(got))
	}
	for _, m := range got {
		if m.ConversationID != "c1" {
			t.Fatalf("entry %s kept conversation %q", m.ID, m.ConversationID)
		}
	}
	if p.Move("c1", "c1") != 0 {
		t.Fatal("moving onto itself should be a no-op")
	}
}

func TestPendingSet_ForReturnsCopy(t *testing.T) {
	p := NewPendingSet()
	p.Add(msg("tmp:a", "c1", domain.SenderUser, "hi", 1))
	got := p.For("c1")
	got[0].Text = "mutated"
	if p.For("c1")[0].Text != "hi" {
		t.Fatal("For should not expose internal storage")
	}
}

func TestPendingSet_Clear(t *testing.T) {
	p := NewPendingSet()
	p.Add(msg("tmp:a", "c1", domain.SenderUser, "hi", 1))
	p.Add(msg("tmp:b", "", domain.SenderUser, "hi", 1))
	p.Clear()
	if p.Total() != 0 {
		t.Fatalf("expected empty set, got %d", p.Total())
	}
}
