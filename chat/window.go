package chat

import (
	"slices"
	"strings"
	"time"
)

// A batch is a set of messages read from the feed together with the span of
// creation times its query covered. Messages already held within that span
// but absent from the batch have been deleted.
type batch struct {
	messages []Message
	since    time.Time // inclusive; zero means unbounded
	before   time.Time // exclusive; zero means unbounded
}

func (b batch) covers(t time.Time) bool {
	if !b.since.IsZero() && t.Before(b.since) {
		return false
	}
	if !b.before.IsZero() && !t.Before(b.before) {
		return false
	}
	return true
}

// window is the in-memory, time-ordered view of a room's messages.
type window struct {
	byID   map[string]Message
	sorted []Message
}

func newWindow() *window {
	return &window{byID: make(map[string]Message)}
}

// apply merges b into the window: union by ID, newer write wins, and pruning
// of deleted messages within b's span. Applying the same batch twice is a
// no-op.
func (w *window) apply(b batch) {
	incoming := make(map[string]struct{}, len(b.messages))
	for _, m := range b.messages {
		incoming[m.ID] = struct{}{}
		if cur, ok := w.byID[m.ID]; ok && m.UpdatedAt.Before(cur.UpdatedAt) {
			continue
		}
		w.byID[m.ID] = m
	}
	for id, m := range w.byID {
		if _, ok := incoming[id]; !ok && b.covers(m.CreatedAt) {
			delete(w.byID, id)
		}
	}

	w.sorted = w.sorted[:0]
	for _, m := range w.byID {
		w.sorted = append(w.sorted, m)
	}
	slices.SortFunc(w.sorted, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func (w *window) get(id string) (Message, bool) {
	m, ok := w.byID[id]
	return m, ok
}

func (w *window) list() []Message {
	return slices.Clone(w.sorted)
}

func (w *window) clientIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(w.sorted))
	for _, m := range w.sorted {
		if m.ClientID != "" {
			out[m.ClientID] = struct{}{}
		}
	}
	return out
}

// rangeKey identifies a range subscription by its bounds.
func rangeKey(since, before time.Time) string {
	return since.UTC().Format(time.RFC3339Nano) + "_" + before.UTC().Format(time.RFC3339Nano)
}
