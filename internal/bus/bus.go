package bus

import (
	"log/slog"
	"sync"
	"time"

	"bhaichat/internal/domain"
)

const defaultPublishTimeout = 2 * time.Second

// InMemoryBus is a Go-channel based event bus between a chat session and its front-end.
type InMemoryBus struct {
	events  chan domain.Event
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		events:  make(chan domain.Event, bufferSize),
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

// SetPublishTimeout changes how long Publish waits on a full buffer before dropping.
func (b *InMemoryBus) SetPublishTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// Publish blocks up to the publish timeout if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Debug("attempted to publish to closed bus", "type", evt.Type)
		return
	}

	select {
	case b.events <- evt:
	default:
		b.logger.Warn("event bus full, waiting...", "type", evt.Type)
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case b.events <- evt:
		case <-timer.C:
			b.logger.Error("event dropped: bus full", "type", evt.Type, "waited", b.timeout)
		}
	}
}

func (b *InMemoryBus) Events() <-chan domain.Event {
	return b.events
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

var _ domain.EventBus = (*InMemoryBus)(nil)
