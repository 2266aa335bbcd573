package bus

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"bhaichat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_PublishAndReceive(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.Event{Type: domain.EventSending, Sending: true})
	b.Publish(domain.Event{Type: domain.EventError, Err: errors.New("boom")})

	first := <-b.Events()
	if first.Type != domain.EventSending || !first.Sending {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := <-b.Events()
	if second.Type != domain.EventError || second.Err == nil {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

func TestBus_FullDropsAfterTimeout(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()
	b.SetPublishTimeout(20 * time.Millisecond)

	b.Publish(domain.Event{Type: domain.EventMessages})
	start := time.Now()
	b.Publish(domain.Event{Type: domain.EventError})
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("publish returned before timeout: %v", elapsed)
	}

	evt := <-b.Events()
	if evt.Type != domain.EventMessages {
		t.Fatalf("expected the buffered event to survive, got %s", evt.Type)
	}
	select {
	case evt := <-b.Events():
		t.Fatalf("dropped event was delivered: %+v", evt)
	default:
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()
	b.Publish(domain.Event{Type: domain.EventMessages})

	if _, ok := <-b.Events(); ok {
		t.Fatal("expected closed channel")
	}
}
