package reconcile

import (
	"strings"

	"bhaichat/internal/domain"

	"github.com/google/uuid"
)

const tempPrefix = "tmp:"

// NewTempID returns an id for a message that has not reached the remote store.
func NewTempID() string {
	return tempPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// PendingSet holds optimistic messages per conversation in insertion order.
// It is not safe for concurrent use; the Engine guards it.
type PendingSet struct {
	byConv map[string][]domain.Message
}

func NewPendingSet() *PendingSet {
	return &PendingSet{byConv: make(map[string][]domain.Message)}
}

func (p *PendingSet) Add(msg domain.Message) {
	msg.Optimistic = true
	p.byConv[msg.ConversationID] = append(p.byConv[msg.ConversationID], msg)
}

// Remove deletes the entry with the given id from whichever conversation holds it.
func (p *PendingSet) Remove(id string) bool {
	for conv, msgs := range p.byConv {
		for i, m := range msgs {
			if m.ID != id {
				continue
			}
			p.set(conv, append(msgs[:i:i], msgs[i+1:]...))
			return true
		}
	}
	return false
}

// Rekey replaces a temporary id with the id assigned by the remote store.
func (p *PendingSet) Rekey(oldID, newID string) bool {
	for _, msgs := range p.byConv {
		for i := range msgs {
			if msgs[i].ID == oldID {
				msgs[i].ID = newID
				return true
			}
		}
	}
	return false
}

func (p *PendingSet) Has(id string) bool {
	for _, msgs := range p.byConv {
		for _, m := range msgs {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// Move reassigns every entry of conversation from to conversation to.
func (p *PendingSet) Move(from, to string) int {
	if from == to {
		return 0
	}
	msgs := p.byConv[from]
	if len(msgs) == 0 {
		return 0
	}
	delete(p.byConv, from)
	for i := range msgs {
		msgs[i].ConversationID = to
	}
	p.byConv[to] = append(p.byConv[to], msgs...)
	return len(msgs)
}

// For returns a copy of the entries of one conversation.
func (p *PendingSet) For(conv string) []domain.Message {
	msgs := p.byConv[conv]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func (p *PendingSet) Len(conv string) int {
	return len(p.byConv[conv])
}

// Total counts entries across all conversations.
func (p *PendingSet) Total() int {
	n := 0
	for _, msgs := range p.byConv {
		n += len(msgs)
	}
	return n
}

// Retain keeps only the entries of conv for which keep returns true and
// returns how many were removed.
func (p *PendingSet) Retain(conv string, keep func(domain.Message) bool) int {
	msgs := p.byConv[conv]
	kept := msgs[:0]
	for _, m := range msgs {
		if keep(m) {
			kept = append(kept, m)
		}
	}
	removed := len(msgs) - len(kept)
	p.set(conv, kept)
	return removed
}

func (p *PendingSet) Clear() {
	p.byConv = make(map[string][]domain.Message)
}

func (p *PendingSet) set(conv string, msgs []domain.Message) {
	if len(msgs) == 0 {
		delete(p.byConv, conv)
		return
	}
	p.byConv[conv] = msgs
}
