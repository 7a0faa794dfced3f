package chat

import "time"

// SubscribeRange requests a live range subscription on the active room.
func (r *Room) SubscribeRange(since, before time.Time) {
	r.mu.Lock()
	gen, ctx := r.gen, r.ctx
	r.mu.Unlock()
	r.subscribeRange(ctx, gen, since, before)
}

// RangeSubscriptions returns the number of range subscriptions held.
func (r *Room) RangeSubscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges)
}

// ApplyBatch merges msgs into w as if read by a query covering
// [since, before).
func ApplyBatch(msgs []Message, since, before time.Time, rounds int) []Message {
	w := newWindow()
	for range rounds {
		w.apply(batch{messages: msgs, since: since, before: before})
	}
	return w.list()
}

// NewClientID exposes the client ID generator.
var NewClientID = newClientID
