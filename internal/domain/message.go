package domain

import (
	"fmt"
	"time"
)

// TimestampUnit is the precision of every message timestamp. The remote stores
// keep milliseconds, so a reply corrected to "user + 1 unit" survives a round-trip.
const TimestampUnit = time.Millisecond

// ProfileID partitions all conversation data by user and auth provider.
type ProfileID string

// Sender is the author of a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAssistant:
		return true
	default:
		return false
	}
}

// Rank orders senders that share a timestamp: user before assistant.
func (s Sender) Rank() int {
	switch s {
	case SenderUser:
		return 0
	case SenderAssistant:
		return 1
	default:
		return 2
	}
}

// ParseSender maps a stored sender value. Older documents use "bot".
func ParseSender(v string) (Sender, error) {
	switch v {
	case "user":
		return SenderUser, nil
	case "assistant", "bot":
		return SenderAssistant, nil
	default:
		return "", fmt.Errorf("unknown sender %q", v)
	}
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	PersonalityID  string    `json:"personality_id,omitempty"`
	Optimistic     bool      `json:"-"`
}

// Before reports whether m sorts before o in a conversation view.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Sender.Rank() < o.Sender.Rank()
}

// NormalizeTimestamp truncates t to TimestampUnit in UTC.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampUnit)
}
