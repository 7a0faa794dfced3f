package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GetStream/event-chat/api/validator"
	"github.com/GetStream/event-chat/chat"
)

// UserHeader carries the ID of the user authenticated by the gateway in
// front of the API.
const UserHeader = "X-User-ID"

// A DB provides a storage layer that persists users, profiles and events.
type DB interface {
	GetUser(ctx context.Context, uid string) (chat.User, error)
	GetProfile(ctx context.Context, uid string) (chat.Profile, error)
	UpdateProfile(ctx context.Context, uid string, upd chat.ProfileUpdate) (chat.Profile, error)

	ListEvents(ctx context.Context, search string) ([]chat.Event, error)
	ListEventsByCreator(ctx context.Context, uid string) ([]chat.Event, error)
	ListEventsByParticipant(ctx context.Context, uid string, excludeCreated bool) ([]chat.Event, error)
	GetEvent(ctx context.Context, id string) (chat.Event, error)
	InsertEvent(ctx context.Context, e chat.Event) (chat.Event, error)
	UpdateEvent(ctx context.Context, id string, upd chat.EventUpdate) (chat.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	JoinEvent(ctx context.Context, id, uid string) (chat.Event, error)
	LeaveEvent(ctx context.Context, id, uid string) (chat.Event, error)
}

// API provides the REST endpoints for the application.
type API struct {
	Logger *slog.Logger
	DB     DB
	Val    *validator.Validator

	// Chat holds the stores shared by every room session.
	Chat chat.Deps
	// Room sizes the message window of new room sessions.
	Room chat.Config
	// Files serves uploaded attachments under /attachments/.
	Files http.Handler
	// OriginPatterns lists the hosts allowed to open a room stream from a
	// browser. The request's own host is always allowed.
	OriginPatterns []string
	// SessionTTL closes room sessions that have no stream attached and see
	// no requests for this long. Zero keeps them until closed.
	SessionTTL time.Duration

	once  sync.Once
	mux   *http.ServeMux
	rooms *rooms
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", a.listEvents)
	mux.HandleFunc("POST /events", a.createEvent)
	mux.HandleFunc("GET /events/{eventID}", a.getEvent)
	mux.HandleFunc("PATCH /events/{eventID}", a.updateEvent)
	mux.HandleFunc("DELETE /events/{eventID}", a.deleteEvent)
	mux.HandleFunc("POST /events/{eventID}/participants", a.joinEvent)
	mux.HandleFunc("DELETE /events/{eventID}/participants", a.leaveEvent)
	mux.HandleFunc("GET /users/{uid}/events", a.userEvents)
	mux.HandleFunc("GET /me", a.getMe)
	mux.HandleFunc("PATCH /me", a.updateMe)

	mux.HandleFunc("PUT /rooms/{roomID}/session", a.openRoom)
	mux.HandleFunc("DELETE /rooms/{roomID}/session", a.closeRoom)
	mux.HandleFunc("GET /rooms/{roomID}", a.getRoom)
	mux.HandleFunc("GET /rooms/{roomID}/stream", a.streamRoom)
	mux.HandleFunc("PUT /rooms/{roomID}/draft", a.setDraft)
	mux.HandleFunc("POST /rooms/{roomID}/messages", a.sendMessage)
	mux.HandleFunc("PATCH /rooms/{roomID}/messages/{messageID}", a.editMessage)
	mux.HandleFunc("DELETE /rooms/{roomID}/messages/{messageID}", a.deleteMessage)
	mux.HandleFunc("POST /rooms/{roomID}/messages/{messageID}/reactions", a.toggleReaction)
	mux.HandleFunc("POST /rooms/{roomID}/attachments", a.uploadAttachment)
	mux.HandleFunc("POST /rooms/{roomID}/more", a.loadMore)
	mux.HandleFunc("POST /rooms/{roomID}/older", a.loadOlder)
	mux.HandleFunc("POST /rooms/{roomID}/pending/{clientID}/retry", a.retryPending)
	mux.HandleFunc("DELETE /rooms/{roomID}/pending/{clientID}", a.removePending)
	mux.HandleFunc("POST /rooms/{roomID}/moderation", a.moderate)

	if a.Files != nil {
		mux.Handle("GET /attachments/", http.StripPrefix("/attachments", a.Files))
	}

	a.mux = mux
	a.rooms = newRooms(a.Logger, a.SessionTTL)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

// Shutdown closes every open room session, removing the users' presence.
func (a *API) Shutdown(ctx context.Context) {
	a.once.Do(a.setupRoutes)
	a.rooms.closeAll(ctx)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Error", "error", err.Error())
	} else {
		a.Logger.Info("Request rejected", "status", status, "error", err.Error())
	}
	a.respond(w, status, response{Error: msg})
}

// knownErrors maps the domain errors to responses. Anything else is an
// internal error.
var knownErrors = []struct {
	err    error
	status int
	msg    string
}{
	{chat.ErrNotFound, http.StatusNotFound, "Not found"},
	{chat.ErrNotSignedIn, http.StatusUnauthorized, "You must be signed in"},
	{chat.ErrEmailNotVerified, http.StatusForbidden, "Email address is not verified"},
	{chat.ErrForbidden, http.StatusForbidden, "Not allowed"},
	{chat.ErrEmptyMessage, http.StatusBadRequest, "Message is empty"},
	{chat.ErrNoRoom, http.StatusConflict, "Room is not active"},
	{chat.ErrEventFull, http.StatusConflict, "Event is full"},
}

// respondStoreError responds with the status a domain error maps to, or
// with a 500 and msg.
func (a *API) respondStoreError(w http.ResponseWriter, err error, msg string) {
	for _, known := range knownErrors {
		if errors.Is(err, known.err) {
			a.respondError(w, known.status, err, known.msg)
			return
		}
	}
	a.respondError(w, http.StatusInternalServerError, err, msg)
}

func (a *API) validateBody(w http.ResponseWriter, s interface{}) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// decodeBody decodes and validates a JSON request body into s.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, s interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(s)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	if valid := a.validateBody(w, s); !valid {
		return false
	}
	err = r.Body.Close()
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return false
	}
	return true
}

// user returns the signed-in user identified by UserHeader.
func (a *API) user(w http.ResponseWriter, r *http.Request) (chat.User, bool) {
	uid := r.Header.Get(UserHeader)
	if uid == "" {
		a.respondError(w, http.StatusUnauthorized, errors.New("missing "+UserHeader+" header"), "You must be signed in")
		return chat.User{}, false
	}
	u, err := a.DB.GetUser(r.Context(), uid)
	if errors.Is(err, chat.ErrNotFound) {
		a.respondError(w, http.StatusUnauthorized, err, "Unknown user")
		return chat.User{}, false
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not load user")
		return chat.User{}, false
	}
	return u, true
}

func (a *API) getMe(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	p, err := a.DB.GetProfile(r.Context(), u.UID)
	if err != nil {
		a.respondStoreError(w, err, "Could not get profile")
		return
	}
	a.respond(w, http.StatusOK, p)
}

func (a *API) updateMe(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	var body ProfilePatch
	if !a.decodeBody(w, r, &body) {
		return
	}
	p, err := a.DB.UpdateProfile(r.Context(), u.UID, body.Update())
	if err != nil {
		a.respondStoreError(w, err, "Could not update profile")
		return
	}
	a.respond(w, http.StatusOK, p)
}
