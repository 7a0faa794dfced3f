package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GetStream/event-chat/chat"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix = "presence"
	// leasesKey is a sorted set of disconnect hooks scored by expiry in Unix
	// milliseconds. Members are "<entry key>#<hook id>".
	leasesKey = "presence-leases"
)

// roomKey is a sorted set of a room's entry keys scored by last seen.
func roomKey(roomID string) string {
	return fmt.Sprintf("%s:%s", presencePrefix, roomID)
}

func entryKey(roomID, uid string) string {
	return fmt.Sprintf("%s:%s:%s", presencePrefix, roomID, uid)
}

// changesChannel carries a message after every change to a room's entries.
func changesChannel(roomID string) string {
	return fmt.Sprintf("%s:%s:changes", presencePrefix, roomID)
}

// SetPresence implements chat.PresenceStore.
func (r *Redis) SetPresence(ctx context.Context, roomID string, e chat.PresenceEntry) error {
	p := &presence{
		RoomID:      roomID,
		UID:         e.UID,
		DisplayName: e.DisplayName,
		Online:      e.Online,
		LastSeen:    e.LastSeen.UnixMilli(),
	}
	key := entryKey(roomID, e.UID)
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p)
		pipe.ZAdd(ctx, roomKey(roomID), redis.Z{
			Score:  float64(p.LastSeen),
			Member: key,
		})
		pipe.Publish(ctx, changesChannel(roomID), e.UID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}
	return nil
}

// RemovePresence implements chat.PresenceStore.
func (r *Redis) RemovePresence(ctx context.Context, roomID, uid string) error {
	key := entryKey(roomID, uid)
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, roomKey(roomID), key)
		pipe.Publish(ctx, changesChannel(roomID), uid)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove presence: %w", err)
	}
	return nil
}

// OnDisconnectRemove implements chat.PresenceStore with a lease. While ctx is
// alive and the hook is not cancelled, the lease is renewed every third of
// the TTL. Once renewals stop, the sweeper of any server removes the entry.
func (r *Redis) OnDisconnectRemove(ctx context.Context, roomID, uid string) (chat.Unsubscribe, error) {
	member := entryKey(roomID, uid) + "#" + uuid.NewString()
	if err := r.cli.ZAdd(ctx, leasesKey, r.lease(member)).Err(); err != nil {
		return nil, fmt.Errorf("zadd: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go r.keepalive(ctx, member)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := r.cli.ZRem(context.Background(), leasesKey, member).Err(); err != nil {
				r.logger.Warn("Could not cancel disconnect hook", "member", member, "error", err.Error())
			}
		})
	}, nil
}

func (r *Redis) lease(member string) redis.Z {
	return redis.Z{
		Score:  float64(r.now().Add(r.ttl).UnixMilli()),
		Member: member,
	}
}

func (r *Redis) keepalive(ctx context.Context, member string) {
	t := time.NewTicker(r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// XX: a lease that was already swept stays gone.
			err := r.cli.ZAddXX(ctx, leasesKey, r.lease(member)).Err()
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("Could not renew presence lease", "member", member, "error", err.Error())
			}
		}
	}
}

// Sweep removes the entries whose disconnect lease has expired and returns
// how many were removed. An entry that still holds another live lease, from
// a second connection of the same user, is kept. Concurrent sweepers never
// remove an entry twice.
func (r *Redis) Sweep(ctx context.Context) (int, error) {
	now := r.now().UnixMilli()
	members, err := r.cli.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange: %w", err)
	}

	removed := 0
	for _, member := range members {
		n, err := r.cli.ZRem(ctx, leasesKey, member).Result()
		if err != nil {
			return removed, fmt.Errorf("zrem: %w", err)
		}
		if n == 0 {
			continue
		}
		key, _, _ := strings.Cut(member, "#")
		live, err := r.leased(ctx, key, now)
		if err != nil {
			return removed, err
		}
		if live {
			continue
		}
		var p presence
		if err := r.cli.HGetAll(ctx, key).Scan(&p); err != nil {
			return removed, fmt.Errorf("hgetall: %w", err)
		}
		if p.UID == "" {
			continue
		}
		if err := r.RemovePresence(ctx, p.RoomID, p.UID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// leased reports whether any lease on the entry key outlives now.
func (r *Redis) leased(ctx context.Context, key string, now int64) (bool, error) {
	live, err := r.cli.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return false, fmt.Errorf("zrange: %w", err)
	}
	for _, member := range live {
		if strings.HasPrefix(member, key+"#") {
			return true, nil
		}
	}
	return false, nil
}

// WatchPresence implements chat.PresenceStore. Every message on the room's
// changes channel triggers a re-read of the room.
func (r *Redis) WatchPresence(ctx context.Context, roomID string, fn func([]chat.PresenceEntry)) (chat.Unsubscribe, error) {
	ps := r.cli.Subscribe(ctx, changesChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	entries, err := r.ListPresence(ctx, roomID)
	if err != nil {
		ps.Close()
		return nil, err
	}
	fn(entries)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				entries, err := r.ListPresence(ctx, roomID)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("Could not refresh presence", "room_id", roomID, "error", err.Error())
					}
					continue
				}
				fn(entries)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				r.logger.Warn("Could not close presence subscription", "room_id", roomID, "error", err.Error())
			}
		})
	}, nil
}

// ListPresence returns the entries of a room, least recently seen first.
func (r *Redis) ListPresence(ctx context.Context, roomID string) ([]chat.PresenceEntry, error) {
	keys, err := r.cli.ZRange(ctx, roomKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	out := make([]chat.PresenceEntry, 0, len(keys))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		var p presence
		if err := cmd.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, p.ChatPresence())
	}
	return out, nil
}
