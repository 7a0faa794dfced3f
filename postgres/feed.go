package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

type topic struct {
	channel string
	payload string
}

// A feed fans out Postgres notifications to in-process subscribers. It holds
// a single listening connection for all subscriptions.
type feed struct {
	ln     *pgdriver.Listener
	logger *slog.Logger
	done   chan struct{}

	mu   sync.Mutex
	next int
	subs map[topic]map[int]func()
}

func newFeed(ctx context.Context, db *bun.DB, logger *slog.Logger, channels ...string) (*feed, error) {
	ln := pgdriver.NewListener(db)
	if err := ln.Listen(ctx, channels...); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	f := &feed{
		ln:     ln,
		logger: logger,
		done:   make(chan struct{}),
		subs:   make(map[topic]map[int]func()),
	}
	go f.run()
	return f, nil
}

func (f *feed) run() {
	defer close(f.done)
	for n := range f.ln.Channel() {
		f.dispatch(topic{channel: n.Channel, payload: n.Payload})
	}
}

// dispatch calls the subscribers of t in the feed goroutine, so a subscriber
// sees notifications in the order they were committed.
func (f *feed) dispatch(t topic) {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.subs[t]))
	for _, fn := range f.subs[t] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	f.logger.Debug("Dispatching notification", "channel", t.channel, "payload", t.payload, "subscribers", len(fns))
	for _, fn := range fns {
		fn()
	}
}

// subscribe registers fn for notifications on channel carrying payload. The
// returned function removes it and may be called more than once.
func (f *feed) subscribe(channel, payload string, fn func()) func() {
	t := topic{channel: channel, payload: payload}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	if f.subs[t] == nil {
		f.subs[t] = make(map[int]func())
	}
	f.subs[t][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[t], id)
			if len(f.subs[t]) == 0 {
				delete(f.subs, t)
			}
		})
	}
}

func (f *feed) close() error {
	err := f.ln.Close()
	<-f.done
	return err
}
