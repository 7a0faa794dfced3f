package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/GetStream/event-chat/chat"
)

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.DB.ListEvents(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list events")
		return
	}
	a.respond(w, http.StatusOK, events)
}

func (a *API) createEvent(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	var body EventRequest
	if !a.decodeBody(w, r, &body) {
		return
	}
	e, err := a.DB.InsertEvent(r.Context(), body.Event(u))
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not create event")
		return
	}
	a.respond(w, http.StatusCreated, e)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := a.DB.GetEvent(r.Context(), r.PathValue("eventID"))
	if err != nil {
		a.respondStoreError(w, err, "Could not get event")
		return
	}
	a.respond(w, http.StatusOK, e)
}

// ownEvent loads the event in the path and checks that u created it.
func (a *API) ownEvent(w http.ResponseWriter, r *http.Request, u chat.User) (chat.Event, bool) {
	e, err := a.DB.GetEvent(r.Context(), r.PathValue("eventID"))
	if err != nil {
		a.respondStoreError(w, err, "Could not get event")
		return chat.Event{}, false
	}
	if e.CreatorUID != u.UID {
		a.respondError(w, http.StatusForbidden, chat.ErrForbidden, "Only the creator can change this event")
		return chat.Event{}, false
	}
	return e, true
}

func (a *API) updateEvent(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	var body EventPatch
	if !a.decodeBody(w, r, &body) {
		return
	}
	e, ok := a.ownEvent(w, r, u)
	if !ok {
		return
	}
	e, err := a.DB.UpdateEvent(r.Context(), e.ID, body.Update())
	if err != nil {
		a.respondStoreError(w, err, "Could not update event")
		return
	}
	a.respond(w, http.StatusOK, e)
}

func (a *API) deleteEvent(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	e, ok := a.ownEvent(w, r, u)
	if !ok {
		return
	}
	if err := a.DB.DeleteEvent(r.Context(), e.ID); err != nil {
		a.respondStoreError(w, err, "Could not delete event")
		return
	}
	a.rooms.closeRoom(r.Context(), e.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) joinEvent(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	e, err := a.DB.JoinEvent(r.Context(), r.PathValue("eventID"), u.UID)
	if err != nil {
		a.respondStoreError(w, err, "Could not join event")
		return
	}
	a.respond(w, http.StatusOK, e)
}

func (a *API) leaveEvent(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	e, err := a.DB.LeaveEvent(r.Context(), r.PathValue("eventID"), u.UID)
	if err != nil {
		a.respondStoreError(w, err, "Could not leave event")
		return
	}
	a.rooms.close(r.Context(), u.UID, e.ID)
	a.respond(w, http.StatusOK, e)
}

// userEvents lists the events a user created (role=created, the default) or
// attends (role=attending).
func (a *API) userEvents(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	q := r.URL.Query()

	var (
		events []chat.Event
		err    error
	)
	switch role := q.Get("role"); role {
	case "", "created":
		events, err = a.DB.ListEventsByCreator(r.Context(), uid)
	case "attending":
		exclude := false
		if s := q.Get("exclude_created"); s != "" {
			exclude, err = strconv.ParseBool(s)
			if err != nil {
				a.respondError(w, http.StatusBadRequest, err, "Invalid exclude_created parameter")
				return
			}
		}
		events, err = a.DB.ListEventsByParticipant(r.Context(), uid, exclude)
	default:
		a.respondError(w, http.StatusBadRequest, errors.New("unknown role "+role), "Role must be created or attending")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list events")
		return
	}
	a.respond(w, http.StatusOK, events)
}
