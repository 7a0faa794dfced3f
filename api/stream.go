package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// streamRoom pushes the room snapshot over a WebSocket: once on connect and
// again after every change. Changes that arrive while a write is in flight
// are coalesced into the next snapshot. The session stays open while a
// stream is attached and closes when the last one ends, taking the user's
// presence with it.
func (a *API) streamRoom(w http.ResponseWriter, r *http.Request) {
	s, ok := a.roomSession(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.OriginPatterns,
	})
	if err != nil {
		a.Logger.Error("Could not accept websocket", "error", err.Error())
		return
	}
	defer conn.CloseNow()

	if !a.rooms.attach(s) {
		conn.Close(websocket.StatusPolicyViolation, "room session is not open")
		return
	}
	defer a.rooms.detach(context.WithoutCancel(r.Context()), s)
	room := s.room

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	changed := make(chan struct{}, 1)
	unsub := room.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	for {
		if err := a.writeSnapshot(ctx, conn, room.Snapshot()); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				a.Logger.Warn("Room stream closed", "room_id", r.PathValue("roomID"), "error", err.Error())
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changed:
		}
	}
}

func (a *API) writeSnapshot(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
