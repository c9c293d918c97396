package delivery

import (
	"sync"
	"time"
)

// ReceivedNotification is one bookkeeping entry for a notification a
// channel accepted.
type ReceivedNotification struct {
	SubscriptionID string
	Type           string
	EventNumber    int64
	StatusCode     int
	When           time.Time
}

// ReceivedLog tracks accepted notifications per subscription. The
// lifecycle sweeper prunes entries outside its retention window.
type ReceivedLog struct {
	mu        sync.Mutex
	bySub     map[string][]ReceivedNotification
	onRemoved func(subscriptionID string)
}

func NewReceivedLog() *ReceivedLog {
	return &ReceivedLog{bySub: make(map[string][]ReceivedNotification)}
}

func (l *ReceivedLog) Record(n ReceivedNotification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySub[n.SubscriptionID] = append(l.bySub[n.SubscriptionID], n)
}

// OnRemoved registers a callback fired once for each subscription key
// dropped because pruning emptied its entry list. The callback runs
// outside the log's lock.
func (l *ReceivedLog) OnRemoved(fn func(subscriptionID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRemoved = fn
}

// For returns a copy of the entries recorded for one subscription.
func (l *ReceivedLog) For(subscriptionID string) []ReceivedNotification {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.bySub[subscriptionID]
	out := make([]ReceivedNotification, len(entries))
	copy(out, entries)
	return out
}

// Prune drops entries recorded before the cutoff and returns how many
// were removed. A subscription left with no entries is forgotten and
// its removal reported through OnRemoved.
func (l *ReceivedLog) Prune(cutoff time.Time) int {
	l.mu.Lock()

	removed := 0
	var emptied []string
	for id, entries := range l.bySub {
		kept := entries[:0]
		for _, n := range entries {
			if n.When.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		if len(kept) == 0 {
			delete(l.bySub, id)
			emptied = append(emptied, id)
			continue
		}
		l.bySub[id] = kept
	}
	fn := l.onRemoved
	l.mu.Unlock()

	if fn != nil {
		for _, id := range emptied {
			fn(id)
		}
	}
	return removed
}

// Forget drops all entries for one subscription.
func (l *ReceivedLog) Forget(subscriptionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySub, subscriptionID)
}

// Count returns the total number of retained entries.
func (l *ReceivedLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, entries := range l.bySub {
		total += len(entries)
	}
	return total
}
