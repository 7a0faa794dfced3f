package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/GetStream/event-chat/chat"
	"github.com/uptrace/bun"
)

func (pg *Postgres) getUser(ctx context.Context, db bun.IDB, uid string, lock bool) (user, error) {
	var u user
	q := db.NewSelect().Model(&u).Where("uid = ?", uid)
	if lock {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return user{}, chat.ErrNotFound
	}
	if err != nil {
		return user{}, fmt.Errorf("scan: %w", err)
	}
	return u, nil
}

// GetUser returns the registered user with the given uid.
func (pg *Postgres) GetUser(ctx context.Context, uid string) (chat.User, error) {
	u, err := pg.getUser(ctx, pg.bun, uid, false)
	if err != nil {
		return chat.User{}, err
	}
	return u.ChatUser(), nil
}

// UpsertUser creates a user or replaces their account fields and profile.
func (pg *Postgres) UpsertUser(ctx context.Context, cu chat.User) (chat.User, error) {
	u := &user{
		UID:            cu.UID,
		Email:          cu.Email,
		DisplayName:    cu.DisplayName,
		ProfilePicture: cu.PhotoURL,
		EmailVerified:  cu.EmailVerified,
	}
	err := pg.notifyTx(ctx, profilesChannel, cu.UID, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(u).
			On("CONFLICT (uid) DO UPDATE").
			Set("email = EXCLUDED.email").
			Set("display_name = EXCLUDED.display_name").
			Set("profile_picture = EXCLUDED.profile_picture").
			Set("email_verified = EXCLUDED.email_verified").
			Set("updated_at = clock_timestamp()").
			Returning("*").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.User{}, err
	}
	return u.ChatUser(), nil
}

// GetProfile implements chat.ProfileStore.
func (pg *Postgres) GetProfile(ctx context.Context, uid string) (chat.Profile, error) {
	u, err := pg.getUser(ctx, pg.bun, uid, false)
	if err != nil {
		return chat.Profile{}, err
	}
	return u.ChatProfile(), nil
}

// WatchProfile implements chat.ProfileStore. Only changes after the call are
// delivered.
func (pg *Postgres) WatchProfile(ctx context.Context, uid string, fn func(chat.Profile)) (chat.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	remove := pg.feed.subscribe(profilesChannel, uid, func() {
		p, err := pg.GetProfile(ctx, uid)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, chat.ErrNotFound) {
				pg.logger.Error("Could not refresh profile", "uid", uid, "error", err.Error())
			}
			return
		}
		fn(p)
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			cancel()
		})
	}, nil
}

// UpdateProfile applies upd to uid's profile and notifies its watchers.
func (pg *Postgres) UpdateProfile(ctx context.Context, uid string, upd chat.ProfileUpdate) (chat.Profile, error) {
	var out chat.Profile
	err := pg.notifyTx(ctx, profilesChannel, uid, func(ctx context.Context, tx bun.Tx) error {
		u, err := pg.getUser(ctx, tx, uid, true)
		if err != nil {
			return err
		}
		if upd.DisplayName != nil {
			u.DisplayName = *upd.DisplayName
		}
		if upd.ProfilePicture != nil {
			u.ProfilePicture = *upd.ProfilePicture
		}
		if upd.Bio != nil {
			u.Bio = *upd.Bio
		}
		_, err = tx.NewUpdate().
			Model(&u).
			Set("display_name = ?", u.DisplayName).
			Set("profile_picture = ?", u.ProfilePicture).
			Set("bio = ?", u.Bio).
			Set("updated_at = clock_timestamp()").
			WherePK().
			Returning("*").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		out = u.ChatProfile()
		return nil
	})
	if err != nil {
		return chat.Profile{}, err
	}
	return out, nil
}
