package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("send: %w", E(KindBackendFailure, "chat", errors.New("HTTP 500")))
	if got := KindOf(err); got != KindBackendFailure {
		t.Fatalf("expected backend_failure, got %s", got)
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestE_NilErr(t *testing.T) {
	if err := E(KindTransientIO, "insert", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := E(KindValidation, "send", ErrEmptyText)
	if !errors.Is(err, ErrEmptyText) {
		t.Fatal("expected errors.Is to match ErrEmptyText")
	}
}

func TestParseSender(t *testing.T) {
	tests := []struct {
		in   string
		want Sender
		err  bool
	}{
		{"user", SenderUser, false},
		{"assistant", SenderAssistant, false},
		{"bot", SenderAssistant, false},
		{"system", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSender(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("ParseSender(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSender(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessageBefore_TieBreak(t *testing.T) {
	ts := time.UnixMilli(100)
	user := Message{ID: "m1", Sender: SenderUser, Timestamp: ts}
	bot := Message{ID: "m2", Sender: SenderAssistant, Timestamp: ts}
	if !user.Before(bot) {
		t.Fatal("user should sort before assistant at equal timestamp")
	}
	if bot.Before(user) {
		t.Fatal("assistant should not sort before user at equal timestamp")
	}
}

func TestConversationPatch_Apply(t *testing.T) {
	title := "Cricket talk"
	text := "Sure bhai"
	c := Conversation{ID: "c1", Title: "old"}
	now := time.UnixMilli(5000)
	ConversationPatch{Title: &title, LastMessageText: &text}.Apply(&c, now)
	if c.Title != title || c.LastMessageText != text || !c.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected conversation after patch: %+v", c)
	}
	if !(ConversationPatch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
}
