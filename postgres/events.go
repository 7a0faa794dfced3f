package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/GetStream/event-chat/chat"
	"github.com/uptrace/bun"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (pg *Postgres) listEvents(ctx context.Context, where func(q *bun.SelectQuery) *bun.SelectQuery) ([]chat.Event, error) {
	var evs []event
	q := pg.bun.NewSelect().
		Model(&evs).
		Order("created_at DESC", "id ASC")
	if err := where(q).Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Event, len(evs))
	for i, e := range evs {
		out[i] = e.ChatEvent()
	}
	return out, nil
}

// ListEvents returns all events, newest first. A non-empty search keeps the
// events whose title, description or location contains it.
func (pg *Postgres) ListEvents(ctx context.Context, search string) ([]chat.Event, error) {
	search = strings.TrimSpace(search)
	return pg.listEvents(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		if search == "" {
			return q
		}
		pattern := "%" + likeEscaper.Replace(search) + "%"
		return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("title ILIKE ?", pattern).
				WhereOr("description ILIKE ?", pattern).
				WhereOr("location ILIKE ?", pattern)
		})
	})
}

// ListEventsByCreator returns the events created by uid.
func (pg *Postgres) ListEventsByCreator(ctx context.Context, uid string) ([]chat.Event, error) {
	return pg.listEvents(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("creator_uid = ?", uid)
	})
}

// ListEventsByParticipant returns the events uid has joined. The events uid
// created are left out if excludeCreated is set.
func (pg *Postgres) ListEventsByParticipant(ctx context.Context, uid string, excludeCreated bool) ([]chat.Event, error) {
	return pg.listEvents(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("? = ANY(participants)", uid)
		if excludeCreated {
			q = q.Where("creator_uid <> ?", uid)
		}
		return q
	})
}

func (pg *Postgres) getEvent(ctx context.Context, db bun.IDB, id string, lock bool) (event, error) {
	var e event
	q := db.NewSelect().Model(&e).Where("id = ?", id)
	if lock {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return event{}, chat.ErrNotFound
	}
	if err != nil {
		return event{}, fmt.Errorf("scan: %w", err)
	}
	return e, nil
}

// GetEvent returns the event with the given id.
func (pg *Postgres) GetEvent(ctx context.Context, id string) (chat.Event, error) {
	e, err := pg.getEvent(ctx, pg.bun, id, false)
	if err != nil {
		return chat.Event{}, err
	}
	return e.ChatEvent(), nil
}

// InsertEvent inserts an event. The creator becomes the first participant;
// the returned event holds the generated id and timestamps.
func (pg *Postgres) InsertEvent(ctx context.Context, ce chat.Event) (chat.Event, error) {
	e := eventModel(ce)
	e.ID = ""
	e.Participants = []string{ce.CreatorUID}
	if _, err := pg.bun.NewInsert().Model(&e).Returning("*").Exec(ctx); err != nil {
		return chat.Event{}, fmt.Errorf("insert: %w", err)
	}
	return e.ChatEvent(), nil
}

// UpdateEvent applies upd to the event with the given id.
func (pg *Postgres) UpdateEvent(ctx context.Context, id string, upd chat.EventUpdate) (chat.Event, error) {
	return pg.updateEvent(ctx, id, func(e *chat.Event) error {
		upd.Apply(e)
		return nil
	})
}

// DeleteEvent deletes the event with the given id.
func (pg *Postgres) DeleteEvent(ctx context.Context, id string) error {
	res, err := pg.bun.NewDelete().
		Model((*event)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return expectRow(res)
}

// JoinEvent adds uid to the participants. Joining twice is a no-op and a
// full event returns chat.ErrEventFull.
func (pg *Postgres) JoinEvent(ctx context.Context, id, uid string) (chat.Event, error) {
	return pg.updateEvent(ctx, id, func(e *chat.Event) error {
		if e.IsParticipant(uid) {
			return nil
		}
		if e.Full() {
			return chat.ErrEventFull
		}
		e.Participants = append(e.Participants, uid)
		return nil
	})
}

// LeaveEvent removes uid from the participants.
func (pg *Postgres) LeaveEvent(ctx context.Context, id, uid string) (chat.Event, error) {
	return pg.updateEvent(ctx, id, func(e *chat.Event) error {
		e.Participants = slices.DeleteFunc(e.Participants, func(p string) bool { return p == uid })
		return nil
	})
}

// updateEvent locks the event row, applies fn and writes the result back.
func (pg *Postgres) updateEvent(ctx context.Context, id string, fn func(e *chat.Event) error) (chat.Event, error) {
	var out chat.Event
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row, err := pg.getEvent(ctx, tx, id, true)
		if err != nil {
			return err
		}
		ce := row.ChatEvent()
		if err := fn(&ce); err != nil {
			return err
		}
		e := eventModel(ce)
		e.UpdatedAt = time.Now()
		_, err = tx.NewUpdate().
			Model(&e).
			ExcludeColumn("id", "created_at").
			WherePK().
			Returning("*").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		out = e.ChatEvent()
		return nil
	})
	if err != nil {
		return chat.Event{}, err
	}
	return out, nil
}

func eventModel(e chat.Event) event {
	participants := e.Participants
	if participants == nil {
		participants = []string{}
	}
	return event{
		ID:                    e.ID,
		Title:                 e.Title,
		Description:           e.Description,
		Date:                  e.Date,
		Time:                  e.Time,
		Location:              e.Location,
		Creator:               e.Creator,
		CreatorUID:            e.CreatorUID,
		CreatorEmail:          e.CreatorEmail,
		CreatorProfilePicture: e.CreatorProfilePicture,
		Latitude:              e.Latitude,
		Longitude:             e.Longitude,
		WorkType:              e.WorkType,
		MemberCap:             e.MemberCap,
		Participants:          participants,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
}
