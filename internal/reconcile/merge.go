package reconcile

import (
	"sort"
	"time"

	"bhaichat/internal/domain"
)

// Merge combines the authoritative snapshot of the active conversation with the
// still-pending optimistic messages into one ordered, duplicate-free list.
//
// Remote messages sharing an id collapse to the last one delivered. Pending
// messages of other conversations, or whose id the snapshot already carries,
// are left out. Ordering is by timestamp, with user before assistant on ties.
func Merge(remote, pending []domain.Message, active string) []domain.Message {
	index := make(map[string]int, len(remote))
	out := make([]domain.Message, 0, len(remote)+len(pending))
	for _, m := range remote {
		m.Optimistic = false
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range pending {
		if m.ConversationID != active {
			continue
		}
		if _, ok := index[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// sameView is the change check run before emitting a merged list. A pending
// entry turning authoritative under the same id, or moving to another
// conversation, counts as a change.
func sameView(a, b []domain.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !a[i].Timestamp.Equal(b[i].Timestamp) || a[i].Text != b[i].Text {
			return false
		}
		if a[i].ConversationID != b[i].ConversationID || a[i].Sender != b[i].Sender || a[i].Optimistic != b[i].Optimistic {
			return false
		}
	}
	return true
}

// confirm removes from pending every entry of conv the snapshot acknowledges:
// first by id, then, for entries still carrying a temporary id, by
// (sender, text) within window against remote messages not yet claimed.
// Each remote message confirms at most one entry and is recorded in claimed.
func confirm(pending *PendingSet, conv string, remote []domain.Message, claimed map[string]struct{}, window time.Duration) int {
	if pending.Len(conv) == 0 {
		return 0
	}
	ids := make(map[string]struct{}, len(remote))
	for _, m := range remote {
		ids[m.ID] = struct{}{}
	}

	removed := pending.Retain(conv, func(p domain.Message) bool {
		if _, ok := ids[p.ID]; ok {
			claimed[p.ID] = struct{}{}
			return false
		}
		return true
	})

	removed += pending.Retain(conv, func(p domain.Message) bool {
		if !IsTempID(p.ID) {
			return true
		}
		for _, r := range remote {
			if _, used := claimed[r.ID]; used {
				continue
			}
			if r.Sender != p.Sender || r.Text != p.Text {
				continue
			}
			if absDuration(r.Timestamp.Sub(p.Timestamp)) > window {
				continue
			}
			claimed[r.ID] = struct{}{}
			return false
		}
		return true
	})
	return removed
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
