package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GetStream/event-chat/chat"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Notification channels. The payload is the room ID for messages and the
// user ID for profiles.
const (
	messagesChannel = "chat_messages"
	profilesChannel = "chat_profiles"
)

// Postgres provides storage in PostgreSQL. Live subscriptions are driven by
// LISTEN/NOTIFY.
type Postgres struct {
	bun    *bun.DB
	logger *slog.Logger
	feed   *feed
}

// Connect connects to the database and ping the DB to ensure the connection is
// working. It also starts listening for change notifications.
func Connect(ctx context.Context, connStr string, logger *slog.Logger) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	f, err := newFeed(ctx, db, logger, messagesChannel, profilesChannel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("start feed: %w", err)
	}
	return &Postgres{
		bun:    db,
		logger: logger,
		feed:   f,
	}, nil
}

// Close stops the feed and closes the database.
func (pg *Postgres) Close() error {
	return errors.Join(pg.feed.close(), pg.bun.Close())
}

// Migrate creates the tables and indexes if they do not exist.
func (pg *Postgres) Migrate(ctx context.Context) error {
	models := []any{
		(*message)(nil),
		(*user)(nil),
		(*event)(nil),
		(*moderation)(nil),
	}
	for _, m := range models {
		if _, err := pg.bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", m, err)
		}
	}
	_, err := pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Index("messages_room_id_created_at_idx").
		Column("room_id", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// notifyTx runs fn in a transaction that notifies channel with payload when
// it commits.
func (pg *Postgres) notifyTx(ctx context.Context, channel, payload string, fn func(ctx context.Context, tx bun.Tx) error) error {
	return pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := pgdriver.Notify(ctx, tx, channel, payload); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
}

// QueryMessages implements chat.MessageStore.
func (pg *Postgres) QueryMessages(ctx context.Context, q chat.MessageQuery) ([]chat.Message, error) {
	var msgs []message
	sq := pg.bun.NewSelect().
		Model(&msgs).
		Where("room_id = ?", q.RoomID)
	if !q.Since.IsZero() {
		sq = sq.Where("created_at >= ?", q.Since)
	}
	if !q.Before.IsZero() {
		sq = sq.Where("created_at < ?", q.Before)
	}
	if q.Descending {
		sq = sq.Order("created_at DESC", "id DESC")
	} else {
		sq = sq.Order("created_at ASC", "id ASC")
	}
	if q.Limit > 0 {
		sq = sq.Limit(q.Limit)
	}

	if err := sq.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ChatMessage()
	}
	return out, nil
}

// WatchMessages implements chat.MessageStore. Every notification for the
// room re-runs q; a notification that arrives while the initial result is
// being delivered waits for it.
func (pg *Postgres) WatchMessages(ctx context.Context, q chat.MessageQuery, fn func([]chat.Message)) (chat.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	var mu sync.Mutex
	mu.Lock()
	defer mu.Unlock()

	remove := pg.feed.subscribe(messagesChannel, q.RoomID, func() {
		mu.Lock()
		defer mu.Unlock()
		msgs, err := pg.QueryMessages(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				pg.logger.Error("Could not refresh messages", "room_id", q.RoomID, "error", err.Error())
			}
			return
		}
		fn(msgs)
	})
	unsub := func() {
		remove()
		cancel()
	}

	msgs, err := pg.QueryMessages(ctx, q)
	if err != nil {
		unsub()
		return nil, err
	}
	fn(msgs)
	return unsub, nil
}

// GetMessage implements chat.MessageStore.
func (pg *Postgres) GetMessage(ctx context.Context, roomID, id string) (chat.Message, error) {
	var m message
	err := pg.bun.NewSelect().
		Model(&m).
		Where("room_id = ?", roomID).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("scan: %w", err)
	}
	return m.ChatMessage(), nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id and timestamps.
func (pg *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	m := &message{
		RoomID:         msg.RoomID,
		ClientID:       msg.ClientID,
		MessageText:    msg.Text,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SenderPhoto:    msg.SenderPhoto,
		Reactions:      map[string][]string{},
		AttachmentURL:  msg.AttachmentURL,
		AttachmentName: msg.AttachmentName,
	}
	err := pg.notifyTx(ctx, messagesChannel, msg.RoomID, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return m.ChatMessage(), nil
}

// UpdateMessageText implements chat.MessageStore. It marks the message as
// edited.
func (pg *Postgres) UpdateMessageText(ctx context.Context, roomID, id, text string) error {
	return pg.updateMessage(ctx, roomID, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("message_text = ?", text).
			Set("edited = TRUE").
			Set("edited_at = clock_timestamp()")
	})
}

// AddReaction implements chat.MessageStore. uid is removed before being
// appended so the set never holds duplicates.
func (pg *Postgres) AddReaction(ctx context.Context, roomID, id, emoji, uid string) error {
	return pg.updateMessage(ctx, roomID, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set(
			"reactions = jsonb_set(reactions, ARRAY[?0::text], (COALESCE(reactions->?0::text, '[]'::jsonb) - ?1::text) || to_jsonb(?1::text))",
			emoji, uid,
		)
	})
}

// RemoveReaction implements chat.MessageStore. An emoji whose set becomes
// empty is dropped.
func (pg *Postgres) RemoveReaction(ctx context.Context, roomID, id, emoji, uid string) error {
	return pg.updateMessage(ctx, roomID, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set(
			`reactions = CASE
				WHEN COALESCE(reactions->?0::text, '[]'::jsonb) - ?1::text = '[]'::jsonb THEN reactions - ?0::text
				ELSE jsonb_set(reactions, ARRAY[?0::text], (reactions->?0::text) - ?1::text)
			END`,
			emoji, uid,
		)
	})
}

func (pg *Postgres) updateMessage(ctx context.Context, roomID, id string, set func(q *bun.UpdateQuery) *bun.UpdateQuery) error {
	return pg.notifyTx(ctx, messagesChannel, roomID, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*message)(nil)).
			Set("updated_at = clock_timestamp()").
			Where("room_id = ?", roomID).
			Where("id = ?", id)
		res, err := set(q).Exec(ctx)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		return expectRow(res)
	})
}

// DeleteMessage implements chat.MessageStore.
func (pg *Postgres) DeleteMessage(ctx context.Context, roomID, id string) error {
	return pg.notifyTx(ctx, messagesChannel, roomID, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*message)(nil)).
			Where("room_id = ?", roomID).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		return expectRow(res)
	})
}

// PutModeration implements chat.ModerationStore. Repeating an action
// refreshes its moderator and time.
func (pg *Postgres) PutModeration(ctx context.Context, a chat.ModerationAction) error {
	m := &moderation{
		RoomID: a.RoomID,
		UID:    a.UID,
		Kind:   string(a.Kind),
		By:     a.By,
	}
	_, err := pg.bun.NewInsert().
		Model(m).
		On("CONFLICT (room_id, uid, kind) DO UPDATE").
		Set("moderator = EXCLUDED.moderator").
		Set("created_at = now()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}
