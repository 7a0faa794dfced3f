package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GetStream/event-chat/api/validator"
	"github.com/GetStream/event-chat/chat"
	"github.com/GetStream/event-chat/memstore"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

var alice = chat.User{
	UID:           "alice",
	Email:         "alice@example.com",
	DisplayName:   "Alice",
	EmailVerified: true,
}

func TestAPI_listEvents(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		db         *testdb
		wantStatus int
		wantBody   string
	}{
		{
			name: "DBError",
			db: &testdb{
				listEvents: func(t *testing.T, search string) ([]chat.Event, error) {
					return nil, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not list events"
			}`,
		},
		{
			name: "Empty",
			db: &testdb{
				listEvents: func(t *testing.T, search string) ([]chat.Event, error) {
					return []chat.Event{}, nil
				},
			},
			wantStatus: 200,
			wantBody:   `[]`,
		},
		{
			name:  "Search",
			query: "?q=beach",
			db: &testdb{
				listEvents: func(t *testing.T, search string) ([]chat.Event, error) {
					if search != "beach" {
						t.Errorf("Got search %q, want beach", search)
					}
					return []chat.Event{
						{
							ID:           "e1",
							Title:        "Beach cleanup",
							Date:         "2024-06-01",
							Time:         "09:00",
							Location:     "Pier 3",
							Creator:      "Alice",
							CreatorUID:   "alice",
							CreatorEmail: "alice@example.com",
							MemberCap:    10,
							Participants: []string{"alice"},
							CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
							UpdatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
						},
					}, nil
				},
			},
			wantStatus: 200,
			wantBody: `[
				{
					"id": "e1",
					"title": "Beach cleanup",
					"description": "",
					"date": "2024-06-01",
					"time": "09:00",
					"location": "Pier 3",
					"creator": "Alice",
					"creator_uid": "alice",
					"creator_email": "alice@example.com",
					"member_cap": 10,
					"participants": ["alice"],
					"created_at": "2024-01-01T00:00:00Z",
					"updated_at": "2024-01-01T00:00:00Z"
				}
			]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.db.T = t
			api := &API{
				DB:     tt.db,
				Logger: slogt.New(t),
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("GET", srv.URL+"/events"+tt.query, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_createEvent(t *testing.T) {
	tests := []struct {
		name        string
		uid         string
		db          *testdb
		req         string
		wantStatus  int
		wantBody    string
		containsLog string
	}{
		{
			name:       "NotSignedIn",
			req:        `{}`,
			wantStatus: 401,
			wantBody: `{
				"error": "You must be signed in"
			}`,
			containsLog: "missing X-User-ID header",
		},
		{
			name: "UnknownUser",
			uid:  "mallory",
			db: &testdb{
				getUser: func(t *testing.T, uid string) (chat.User, error) {
					return chat.User{}, chat.ErrNotFound
				},
			},
			req:        `{}`,
			wantStatus: 401,
			wantBody: `{
				"error": "Unknown user"
			}`,
		},
		{
			name:       "InvalidJSON",
			uid:        "alice",
			req:        `not json`,
			wantStatus: 400,
			wantBody: `{
				"error": "Could not decode request body"
			}`,
		},
		{
			name: "MissingTitle",
			uid:  "alice",
			req: `{
				"location": "Pier 3"
			}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{
						"Field": "Title",
						"Message": "Key: 'EventRequest.Title' Error:Field validation for 'Title' failed on the 'required' tag"
					}
				]
			}`,
		},
		{
			name: "DBError",
			uid:  "alice",
			req: `{
				"title": "Beach cleanup",
				"location": "Pier 3"
			}`,
			db: &testdb{
				insertEvent: func(t *testing.T, e chat.Event) (chat.Event, error) {
					return chat.Event{}, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not create event"
			}`,
			containsLog: "something went wrong",
		},
		{
			name: "OK",
			uid:  "alice",
			req: `{
				"title": "Beach cleanup",
				"location": "Pier 3",
				"date": "2024-06-01",
				"latitude": 52.5,
				"member_cap": 10
			}`,
			db: &testdb{
				insertEvent: func(t *testing.T, e chat.Event) (chat.Event, error) {
					if e.CreatorUID != "alice" {
						t.Errorf("Got CreatorUID %q, want alice", e.CreatorUID)
					}
					if e.Creator != "Alice" {
						t.Errorf("Got Creator %q, want Alice", e.Creator)
					}
					e.ID = "e1"
					e.Participants = []string{e.CreatorUID}
					e.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
					e.UpdatedAt = e.CreatedAt
					return e, nil
				},
			},
			wantStatus: 201,
			wantBody: `{
				"id": "e1",
				"title": "Beach cleanup",
				"description": "",
				"date": "2024-06-01",
				"time": "",
				"location": "Pier 3",
				"creator": "Alice",
				"creator_uid": "alice",
				"creator_email": "alice@example.com",
				"latitude": 52.5,
				"member_cap": 10,
				"participants": ["alice"],
				"created_at": "2024-01-01T00:00:00Z",
				"updated_at": "2024-01-01T00:00:00Z"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			if tt.db == nil {
				tt.db = &testdb{}
			}
			tt.db.T = t
			if tt.db.getUser == nil {
				tt.db.getUser = func(t *testing.T, uid string) (chat.User, error) {
					return alice, nil
				}
			}
			api := &API{
				DB:     tt.db,
				Logger: slog.New(slog.NewTextHandler(buf, nil)),
				Val:    validator.New(),
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("POST", srv.URL+"/events", strings.NewReader(tt.req))
			if tt.uid != "" {
				req.Header.Set(UserHeader, tt.uid)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
			checkLog(t, buf, tt.containsLog)
		})
	}
}

func TestAPI_userEvents(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		db         *testdb
		wantStatus int
		wantBody   string
	}{
		{
			name: "Created",
			db: &testdb{
				listEventsByCreator: func(t *testing.T, uid string) ([]chat.Event, error) {
					if uid != "alice" {
						t.Errorf("Got uid %q, want alice", uid)
					}
					return []chat.Event{}, nil
				},
			},
			wantStatus: 200,
			wantBody:   `[]`,
		},
		{
			name:  "Attending",
			query: "?role=attending&exclude_created=true",
			db: &testdb{
				listEventsByParticipant: func(t *testing.T, uid string, excludeCreated bool) ([]chat.Event, error) {
					if !excludeCreated {
						t.Error("Got excludeCreated false, want true")
					}
					return []chat.Event{}, nil
				},
			},
			wantStatus: 200,
			wantBody:   `[]`,
		},
		{
			name:       "InvalidExclude",
			query:      "?role=attending&exclude_created=maybe",
			db:         &testdb{},
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid exclude_created parameter"
			}`,
		},
		{
			name:       "UnknownRole",
			query:      "?role=admin",
			db:         &testdb{},
			wantStatus: 400,
			wantBody: `{
				"error": "Role must be created or attending"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.db.T = t
			api := &API{
				DB:     tt.db,
				Logger: slogt.New(t),
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("GET", srv.URL+"/users/alice/events"+tt.query, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_events(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	store.PutUser(chat.User{UID: "bob", Email: "bob@example.com", EmailVerified: true})
	srv := newTestServer(t, store)

	e, err := store.InsertEvent(context.Background(), chat.Event{
		Title:      "Beach cleanup",
		Location:   "Pier 3",
		CreatorUID: "alice",
		MemberCap:  2,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := srv.do(t, "bob", "PATCH", "/events/"+e.ID, `{"title": "Mine now"}`)
	checkStatus(t, resp.StatusCode, http.StatusForbidden)
	checkBody(t, resp, `{"error": "Only the creator can change this event"}`)

	resp = srv.do(t, "alice", "PATCH", "/events/"+e.ID, `{"title": "Beach cleanup, day 2"}`)
	checkStatus(t, resp.StatusCode, http.StatusOK)
	var got chat.Event
	decode(t, resp, &got)
	if got.Title != "Beach cleanup, day 2" {
		t.Errorf("Got title %q", got.Title)
	}

	resp = srv.do(t, "bob", "POST", "/events/"+e.ID+"/participants", "")
	checkStatus(t, resp.StatusCode, http.StatusOK)
	decode(t, resp, &got)
	if !got.IsParticipant("bob") {
		t.Errorf("Got participants %v, want bob included", got.Participants)
	}

	store.PutUser(chat.User{UID: "carol", Email: "carol@example.com", EmailVerified: true})
	resp = srv.do(t, "carol", "POST", "/events/"+e.ID+"/participants", "")
	checkStatus(t, resp.StatusCode, http.StatusConflict)
	checkBody(t, resp, `{"error": "Event is full"}`)

	resp = srv.do(t, "alice", "DELETE", "/events/"+e.ID, "")
	checkStatus(t, resp.StatusCode, http.StatusNoContent)

	resp = srv.do(t, "alice", "GET", "/events/"+e.ID, "")
	checkStatus(t, resp.StatusCode, http.StatusNotFound)
	checkBody(t, resp, `{"error": "Not found"}`)
}

func TestAPI_me(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	srv := newTestServer(t, store)

	resp := srv.do(t, "alice", "PATCH", "/me", `{"bio": "Weekend gardener"}`)
	checkStatus(t, resp.StatusCode, http.StatusOK)

	resp = srv.do(t, "alice", "GET", "/me", "")
	checkStatus(t, resp.StatusCode, http.StatusOK)
	var p chat.Profile
	decode(t, resp, &p)
	if p.DisplayName != "Alice" || p.Bio != "Weekend gardener" {
		t.Errorf("Got profile %+v", p)
	}

	resp = srv.do(t, "alice", "PATCH", "/me", `{"profile_picture": "not a url"}`)
	checkStatus(t, resp.StatusCode, http.StatusBadRequest)
}

func TestAPI_room(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	store.PutUser(chat.User{UID: "bob", Email: "bob@example.com", EmailVerified: true})
	srv := newTestServer(t, store)

	e, err := store.InsertEvent(context.Background(), chat.Event{
		Title:      "Beach cleanup",
		Location:   "Pier 3",
		CreatorUID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	room := "/rooms/" + e.ID

	resp := srv.do(t, "alice", "POST", room+"/messages", `{"text": "hi"}`)
	checkStatus(t, resp.StatusCode, http.StatusConflict)
	checkBody(t, resp, `{"error": "Room session is not open"}`)

	resp = srv.do(t, "bob", "PUT", room+"/session", "")
	checkStatus(t, resp.StatusCode, http.StatusForbidden)
	checkBody(t, resp, `{"error": "Join the event to chat"}`)

	resp = srv.do(t, "alice", "PUT", "/rooms/nope/session", "")
	checkStatus(t, resp.StatusCode, http.StatusNotFound)

	resp = srv.do(t, "alice", "PUT", room+"/session", "")
	checkStatus(t, resp.StatusCode, http.StatusOK)
	var snap chat.Snapshot
	decode(t, resp, &snap)
	if snap.RoomID != e.ID {
		t.Errorf("Got room %q, want %q", snap.RoomID, e.ID)
	}
	if len(snap.OnlineUsers) != 1 || snap.OnlineUsers[0].UID != "alice" {
		t.Errorf("Got online users %+v, want alice", snap.OnlineUsers)
	}

	resp = srv.do(t, "alice", "POST", room+"/messages", `{"text": "  see you at the pier  "}`)
	checkStatus(t, resp.StatusCode, http.StatusAccepted)
	var p chat.PendingMessage
	decode(t, resp, &p)
	if p.Text != "see you at the pier" || p.Status != chat.StatusPending {
		t.Errorf("Got pending message %+v", p)
	}

	snap = srv.snapshot(t, "alice", room)
	require.Len(t, snap.Messages, 1)
	msg := snap.Messages[0]
	if msg.ClientID != p.ClientID || msg.SenderName != "Alice" {
		t.Errorf("Got message %+v", msg)
	}
	if len(snap.Pending) != 0 {
		t.Errorf("Got pending %+v, want none once confirmed", snap.Pending)
	}

	resp = srv.do(t, "alice", "POST", room+"/messages/"+msg.ID+"/reactions", `{"emoji": "like"}`)
	checkStatus(t, resp.StatusCode, http.StatusBadRequest)
	checkBody(t, resp, `{"errors": [{"Field": "Emoji", "Message": "must be a single emoji"}]}`)

	resp = srv.do(t, "alice", "POST", room+"/messages/"+msg.ID+"/reactions", `{"emoji": "👍"}`)
	checkStatus(t, resp.StatusCode, http.StatusNoContent)

	resp = srv.do(t, "alice", "PATCH", room+"/messages/"+msg.ID, `{"text": "see you at pier 3"}`)
	checkStatus(t, resp.StatusCode, http.StatusNoContent)

	snap = srv.snapshot(t, "alice", room)
	require.Len(t, snap.Messages, 1)
	if got := snap.Messages[0]; got.Text != "see you at pier 3" || !got.Edited || !got.HasReacted("👍", "alice") {
		t.Errorf("Got message %+v", got)
	}

	store.Fail("InsertMessage", errors.New("offline"))
	resp = srv.do(t, "alice", "POST", room+"/messages", `{"text": "lost"}`)
	checkStatus(t, resp.StatusCode, http.StatusAccepted)
	decode(t, resp, &p)
	if p.Status != chat.StatusFailed {
		t.Errorf("Got status %q, want failed", p.Status)
	}
	store.Fail("InsertMessage", nil)

	resp = srv.do(t, "alice", "POST", room+"/pending/"+p.ClientID+"/retry", "")
	checkStatus(t, resp.StatusCode, http.StatusOK)
	checkBody(t, resp, `{"draft": "lost"}`)

	resp = srv.do(t, "alice", "DELETE", room+"/pending/"+p.ClientID, "")
	checkStatus(t, resp.StatusCode, http.StatusNotFound)

	resp = srv.do(t, "alice", "POST", room+"/moderation", `{"uid": "bob", "action": "mute"}`)
	checkStatus(t, resp.StatusCode, http.StatusNoContent)
	if mod := store.Moderation(); len(mod) != 1 || mod[0].Kind != chat.ModerationMute {
		t.Errorf("Got moderation %+v", mod)
	}

	resp = srv.do(t, "alice", "DELETE", room+"/session", "")
	checkStatus(t, resp.StatusCode, http.StatusNoContent)
	if online := store.Presence(e.ID); len(online) != 0 {
		t.Errorf("Got presence %+v after closing the session", online)
	}
}

func TestAPI_uploadAttachment(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	srv := newTestServer(t, store)
	srv.api.Chat.Blobs = &testblobs{}

	e, err := store.InsertEvent(context.Background(), chat.Event{Title: "Planting", Location: "Park", CreatorUID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	room := "/rooms/" + e.ID
	checkStatus(t, srv.do(t, "alice", "PUT", room+"/session", "").StatusCode, http.StatusOK)

	body := &bytes.Buffer{}
	body.WriteString("--b\r\n" +
		`Content-Disposition: form-data; name="file"; filename="map.txt"` + "\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"north gate\r\n--b--\r\n")
	req, _ := http.NewRequest("POST", srv.URL+room+"/attachments", body)
	req.Header.Set(UserHeader, "alice")
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	checkStatus(t, resp.StatusCode, http.StatusCreated)
	checkBody(t, resp, `{"uploading": false, "progress": 100}`)

	snap := srv.snapshot(t, "alice", room)
	require.Len(t, snap.Messages, 1)
	if got := snap.Messages[0]; got.AttachmentName != "map.txt" || !strings.HasPrefix(got.AttachmentURL, "memory://events/"+e.ID+"/attachments/att_") {
		t.Errorf("Got attachment message %+v", got)
	}
}

func TestAPI_streamRoom(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	srv := newTestServer(t, store)

	e, err := store.InsertEvent(context.Background(), chat.Event{Title: "Planting", Location: "Park", CreatorUID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	room := "/rooms/" + e.ID
	checkStatus(t, srv.do(t, "alice", "PUT", room+"/session", "").StatusCode, http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+room+"/stream", &websocket.DialOptions{
		HTTPHeader: http.Header{UserHeader: []string{"alice"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	var snap chat.Snapshot
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.RoomID != e.ID || len(snap.Messages) != 0 {
		t.Fatalf("Got initial snapshot %+v", snap)
	}

	checkStatus(t, srv.do(t, "alice", "POST", room+"/messages", `{"text": "hello"}`).StatusCode, http.StatusAccepted)

	for len(snap.Messages) == 0 {
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			t.Fatal(err)
		}
	}
	if snap.Messages[0].Text != "hello" {
		t.Errorf("Got messages %+v", snap.Messages)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *testServer) dial(t *testing.T, ctx context.Context, uid, room string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+room+"/stream", &websocket.DialOptions{
		HTTPHeader: http.Header{UserHeader: []string{uid}},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	var snap chat.Snapshot
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestAPI_streamDisconnect(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	srv := newTestServer(t, store)

	e, err := store.InsertEvent(context.Background(), chat.Event{Title: "Planting", Location: "Park", CreatorUID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	room := "/rooms/" + e.ID
	checkStatus(t, srv.do(t, "alice", "PUT", room+"/session", "").StatusCode, http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := srv.dial(t, ctx, "alice", room)
	second := srv.dial(t, ctx, "alice", room)

	// Dropping one of two tabs keeps the session.
	first.CloseNow()
	time.Sleep(50 * time.Millisecond)
	if got := len(store.Presence(e.ID)); got != 1 {
		t.Fatalf("Got %d presence entries with one stream left, want 1", got)
	}
	checkStatus(t, srv.do(t, "alice", "GET", room, "").StatusCode, http.StatusOK)

	// Dropping the last one closes it without a DELETE.
	second.CloseNow()
	require.Eventually(t, func() bool { return len(store.Presence(e.ID)) == 0 }, 5*time.Second, 10*time.Millisecond)
	checkStatus(t, srv.do(t, "alice", "GET", room, "").StatusCode, http.StatusConflict)
}

func TestAPI_sessionExpiry(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	srv := newTestServer(t, store, func(a *API) { a.SessionTTL = 100 * time.Millisecond })

	e, err := store.InsertEvent(context.Background(), chat.Event{Title: "Planting", Location: "Park", CreatorUID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	room := "/rooms/" + e.ID
	checkStatus(t, srv.do(t, "alice", "PUT", room+"/session", "").StatusCode, http.StatusOK)
	if got := len(store.Presence(e.ID)); got != 1 {
		t.Fatalf("Got %d presence entries, want 1", got)
	}

	// A client that never streams and stops polling is dropped.
	require.Eventually(t, func() bool { return len(store.Presence(e.ID)) == 0 }, 5*time.Second, 10*time.Millisecond)
	resp := srv.do(t, "alice", "GET", room, "")
	checkStatus(t, resp.StatusCode, http.StatusConflict)
	checkBody(t, resp, `{"error": "Room session is not open"}`)

	// A stream holds the session past the TTL.
	checkStatus(t, srv.do(t, "alice", "PUT", room+"/session", "").StatusCode, http.StatusOK)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.dial(t, ctx, "alice", room)
	time.Sleep(300 * time.Millisecond)
	checkStatus(t, srv.do(t, "alice", "GET", room, "").StatusCode, http.StatusOK)
}

// gatedMessages holds the first WatchMessages call until release is closed.
type gatedMessages struct {
	chat.MessageStore
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedMessages) WatchMessages(ctx context.Context, q chat.MessageQuery, fn func([]chat.Message)) (chat.Unsubscribe, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.MessageStore.WatchMessages(ctx, q, fn)
}

func TestAPI_concurrentOpen(t *testing.T) {
	store := memstore.New()
	store.PutUser(alice)
	gate := &gatedMessages{MessageStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	srv := newTestServer(t, store, func(a *API) { a.Chat.Messages = gate })

	e, err := store.InsertEvent(context.Background(), chat.Event{Title: "Planting", Location: "Park", CreatorUID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	room := "/rooms/" + e.ID

	type result struct {
		status int
		snap   chat.Snapshot
	}
	results := make(chan result, 4)
	request := func(method, path string) {
		var r result
		defer func() { results <- r }()
		req, _ := http.NewRequest(method, srv.URL+path, nil)
		req.Header.Set(UserHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Error(err)
			return
		}
		defer resp.Body.Close()
		r.status = resp.StatusCode
		if err := json.NewDecoder(resp.Body).Decode(&r.snap); err != nil {
			t.Errorf("Could not decode response: %v", err)
		}
	}

	go request("PUT", room+"/session")
	<-gate.entered

	// Requests made while the first open is still activating wait for it.
	go request("PUT", room+"/session")
	go request("PUT", room+"/session")
	go request("GET", room)
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	for range 4 {
		r := <-results
		if r.status != http.StatusOK {
			t.Errorf("Got status %d, want %d", r.status, http.StatusOK)
		}
		if r.snap.RoomID != e.ID {
			t.Errorf("Got room %q, want %q", r.snap.RoomID, e.ID)
		}
	}
	if got := len(store.Presence(e.ID)); got != 1 {
		t.Errorf("Got %d presence entries, want 1", got)
	}
}

type testServer struct {
	*httptest.Server
	api *API
}

func newTestServer(t *testing.T, store *memstore.Store, opts ...func(*API)) *testServer {
	t.Helper()
	logger := slogt.New(t)
	api := &API{
		DB:     store,
		Logger: logger,
		Val:    validator.New(),
		Chat: chat.Deps{
			Messages:   store,
			Presence:   store,
			Moderation: store,
			Profiles:   chat.NewProfileCache(store, chat.WithCacheLogger(logger)),
			Logger:     logger,
		},
	}
	for _, opt := range opts {
		opt(api)
	}
	srv := &testServer{Server: httptest.NewServer(api), api: api}
	t.Cleanup(func() {
		api.Shutdown(context.Background())
		srv.Close()
	})
	return srv
}

func (s *testServer) do(t *testing.T, uid, method, path, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	req.Header.Set(UserHeader, uid)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (s *testServer) snapshot(t *testing.T, uid, room string) chat.Snapshot {
	t.Helper()
	resp := s.do(t, uid, "GET", room, "")
	checkStatus(t, resp.StatusCode, http.StatusOK)
	var snap chat.Snapshot
	decode(t, resp, &snap)
	return snap
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Could not decode response: %v", err)
	}
}

type testblobs struct{}

func (testblobs) Upload(_ context.Context, path string, r io.Reader, size int64, progress func(written, total int64)) (string, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", err
	}
	progress(n, size)
	return "memory://" + path, nil
}

var errUnexpectedCall = errors.New("unexpected call")

type testdb struct {
	T                       *testing.T
	getUser                 func(t *testing.T, uid string) (chat.User, error)
	listEvents              func(t *testing.T, search string) ([]chat.Event, error)
	listEventsByCreator     func(t *testing.T, uid string) ([]chat.Event, error)
	listEventsByParticipant func(t *testing.T, uid string, excludeCreated bool) ([]chat.Event, error)
	insertEvent             func(t *testing.T, e chat.Event) (chat.Event, error)
}

func (db *testdb) unexpected(op string) error {
	db.T.Errorf("Unexpected call to %s", op)
	return errUnexpectedCall
}

func (db *testdb) GetUser(_ context.Context, uid string) (chat.User, error) {
	if db.getUser == nil {
		return chat.User{}, db.unexpected("GetUser")
	}
	return db.getUser(db.T, uid)
}

func (db *testdb) GetProfile(context.Context, string) (chat.Profile, error) {
	return chat.Profile{}, db.unexpected("GetProfile")
}

func (db *testdb) UpdateProfile(context.Context, string, chat.ProfileUpdate) (chat.Profile, error) {
	return chat.Profile{}, db.unexpected("UpdateProfile")
}

func (db *testdb) ListEvents(_ context.Context, search string) ([]chat.Event, error) {
	if db.listEvents == nil {
		return nil, db.unexpected("ListEvents")
	}
	return db.listEvents(db.T, search)
}

func (db *testdb) ListEventsByCreator(_ context.Context, uid string) ([]chat.Event, error) {
	if db.listEventsByCreator == nil {
		return nil, db.unexpected("ListEventsByCreator")
	}
	return db.listEventsByCreator(db.T, uid)
}

func (db *testdb) ListEventsByParticipant(_ context.Context, uid string, excludeCreated bool) ([]chat.Event, error) {
	if db.listEventsByParticipant == nil {
		return nil, db.unexpected("ListEventsByParticipant")
	}
	return db.listEventsByParticipant(db.T, uid, excludeCreated)
}

func (db *testdb) GetEvent(context.Context, string) (chat.Event, error) {
	return chat.Event{}, db.unexpected("GetEvent")
}

func (db *testdb) InsertEvent(_ context.Context, e chat.Event) (chat.Event, error) {
	if db.insertEvent == nil {
		return chat.Event{}, db.unexpected("InsertEvent")
	}
	return db.insertEvent(db.T, e)
}

func (db *testdb) UpdateEvent(context.Context, string, chat.EventUpdate) (chat.Event, error) {
	return chat.Event{}, db.unexpected("UpdateEvent")
}

func (db *testdb) DeleteEvent(context.Context, string) error {
	return db.unexpected("DeleteEvent")
}

func (db *testdb) JoinEvent(context.Context, string, string) (chat.Event, error) {
	return chat.Event{}, db.unexpected("JoinEvent")
}

func (db *testdb) LeaveEvent(context.Context, string, string) (chat.Event, error) {
	return chat.Event{}, db.unexpected("LeaveEvent")
}

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	defer resp.Body.Close()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func checkLog(t *testing.T, buffer *bytes.Buffer, want string) {
	t.Helper()

	if s := buffer.String(); want != "" && !strings.Contains(s, want) {
		t.Errorf("Log does not contain  %s\n", want)
	}
}

func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	var buf bytes.Buffer
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Could not read JSON: %v", err)
	}
	if err := json.Indent(&buf, b, "  ", "  "); err != nil {
		t.Fatalf("Could not indent JSON: %v", err)
	}
	return strings.TrimSpace(buf.String())
}
