package chat

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"
)

// newClientID returns an identifier for an outgoing message, unique enough to
// reconcile it against the feed. It is not cryptographically random.
func newClientID(prefix string, now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

// pendingQueue holds optimistic messages in submit order.
type pendingQueue struct {
	items []PendingMessage
}

func (q *pendingQueue) push(p PendingMessage) {
	q.items = append(q.items, p)
}

func (q *pendingQueue) index(clientID string) int {
	return slices.IndexFunc(q.items, func(p PendingMessage) bool { return p.ClientID == clientID })
}

// fail marks clientID failed if it is still pending.
func (q *pendingQueue) fail(clientID string) bool {
	i := q.index(clientID)
	if i < 0 || q.items[i].Status != StatusPending {
		return false
	}
	q.items[i].Status = StatusFailed
	return true
}

func (q *pendingQueue) remove(clientID string) (PendingMessage, bool) {
	i := q.index(clientID)
	if i < 0 {
		return PendingMessage{}, false
	}
	p := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	return p, true
}

// reconcile drops every entry whose clientID has been confirmed by the feed.
func (q *pendingQueue) reconcile(confirmed map[string]struct{}) bool {
	n := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(p PendingMessage) bool {
		_, ok := confirmed[p.ClientID]
		return ok
	})
	return len(q.items) != n
}

func (q *pendingQueue) list() []PendingMessage {
	return slices.Clone(q.items)
}
