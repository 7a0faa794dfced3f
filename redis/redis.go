package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GetStream/event-chat/chat"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is how long a presence entry outlives its last keepalive.
const DefaultLeaseTTL = 30 * time.Second

// Redis provides presence tracking in Redis.
type Redis struct {
	cli    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	stop context.CancelFunc
	done chan struct{}
}

// An Option configures a Redis store.
type Option func(*Redis)

// WithLeaseTTL sets how long a disconnect hook survives without a keepalive.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithLogger sets the logger for background errors.
func WithLogger(l *slog.Logger) Option {
	return func(r *Redis) { r.logger = l }
}

func withClock(now func() time.Time) Option {
	return func(r *Redis) { r.now = now }
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working. addr is either host:port or a redis:// URL. A
// background sweeper removes entries whose disconnect lease expired.
func Connect(ctx context.Context, addr string, opts ...Option) (*Redis, error) {
	o, err := clientOptions(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	cli := redis.NewClient(o)
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	r := &Redis{
		cli:    cli,
		logger: slog.Default(),
		ttl:    DefaultLeaseTTL,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	r.stop = stop
	go r.sweepLoop(sweepCtx)
	return r, nil
}

func clientOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// Close stops the sweeper and closes the client.
func (r *Redis) Close() error {
	r.stop()
	<-r.done
	return r.cli.Close()
}

func (r *Redis) sweepLoop(ctx context.Context) {
	defer close(r.done)
	t := time.NewTicker(r.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("Could not sweep presence leases", "error", err.Error())
				}
				continue
			}
			if n > 0 {
				r.logger.Info("Removed presence entries of disconnected clients", "count", n)
			}
		}
	}
}

// WatchConnection implements chat.PresenceStore. The server is pinged every
// third of the lease TTL and fn is called on every change of reachability.
func (r *Redis) WatchConnection(ctx context.Context, fn func(connected bool)) (chat.Unsubscribe, error) {
	connected := r.cli.Ping(ctx).Err() == nil
	fn(connected)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(r.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok := r.cli.Ping(ctx).Err() == nil
				if ctx.Err() != nil {
					return
				}
				if ok != connected {
					connected = ok
					r.logger.Warn("Redis connectivity changed", "connected", ok)
					fn(ok)
				}
			}
		}
	}()
	return chat.Unsubscribe(cancel), nil
}
