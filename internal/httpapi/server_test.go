package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rubble-game/rubble-backend/internal/code"
	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/protocol"
	"github.com/rubble-game/rubble-backend/internal/registry"
	"github.com/rubble-game/rubble-backend/internal/room"
)

func newGameServer(t *testing.T, cfg room.Config) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := registry.New(ctx, cfg, zap.NewNop())
	ts := httptest.NewServer(SetupRoutes(reg, zap.NewNop(), true))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, user identity.UserID) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hdr := http.Header{}
	hdr.Set("Cookie", identity.CookieName+"="+user.String())
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api"
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: hdr})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	b, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

// frame is one inbound message: a JSON control envelope or a binary snapshot.
type frame struct {
	env  *protocol.Envelope
	snap *protocol.Snapshot
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	if typ == websocket.MessageBinary {
		s, err := protocol.DecodeSnapshot(data)
		require.NoError(t, err)
		return frame{snap: &s}
	}
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return frame{env: &env}
}

// waitRoomState reads frames until a room_state matching the predicate
// arrives, skipping snapshots and interleaved broadcasts.
func waitRoomState(t *testing.T, conn *websocket.Conn, pred func(protocol.RoomState) bool) protocol.RoomState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.env == nil || f.env.T != protocol.KindRoomState {
			continue
		}
		state, err := protocol.DecodePayload[protocol.RoomState](*f.env)
		require.NoError(t, err)
		if pred(state) {
			return state
		}
	}
	t.Fatal("timed out waiting for room state")
	return protocol.RoomState{}
}

func waitSnapshot(t *testing.T, conn *websocket.Conn, pred func(protocol.Snapshot) bool) protocol.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.snap != nil && pred(*f.snap) {
			return *f.snap
		}
	}
	t.Fatal("timed out waiting for snapshot")
	return protocol.Snapshot{}
}

func waitError(t *testing.T, conn *websocket.Conn) protocol.ErrorMsg {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.env == nil || f.env.T != protocol.KindError {
			continue
		}
		e, err := protocol.DecodePayload[protocol.ErrorMsg](*f.env)
		require.NoError(t, err)
		return e
	}
	t.Fatal("timed out waiting for error")
	return protocol.ErrorMsg{}
}

func TestHealthz(t *testing.T) {
	ts := newGameServer(t, room.Config{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresIdentityCookie(t *testing.T) {
	ts := newGameServer(t, room.Config{})

	resp, err := http.Get(ts.URL + "/api")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: identity.CookieName, Value: "not-a-uuid"})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateJoinPlayScenario(t *testing.T) {
	ts := newGameServer(t, room.Config{
		TickHz:         120,
		BroadcastEvery: 1,
		KeyframeEvery:  5,
	})

	// Alice creates a room and lands in its lobby.
	alice := dial(t, ts, identity.New())
	send(t, alice, protocol.KindCreateRoom, protocol.CreateRoom{Name: "Alice", Scene: "tower"})
	created := waitRoomState(t, alice, func(s protocol.RoomState) bool { return true })
	require.Len(t, created.Code, code.Length)
	require.Equal(t, "lobby", created.Phase)
	require.Len(t, created.Roster, 1)
	require.Equal(t, "Alice", created.Roster[0].Name)

	// The room shows up on the HTTP surface.
	resp, err := http.Get(ts.URL + "/rooms")
	require.NoError(t, err)
	var listing struct {
		Rooms []registry.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Rooms, 1)
	require.Equal(t, created.Code, listing.Rooms[0].Code)

	// Bob joins by code, lowercase on purpose.
	bob := dial(t, ts, identity.New())
	send(t, bob, protocol.KindJoinRoom, protocol.JoinRoom{
		Name: "Bob",
		Code: strings.ToLower(created.Code),
	})
	joined := waitRoomState(t, bob, func(s protocol.RoomState) bool { return len(s.Roster) == 2 })
	require.Equal(t, "Alice", joined.Roster[0].Name)
	require.Equal(t, "Bob", joined.Roster[1].Name)

	// Alice sees Bob arrive.
	waitRoomState(t, alice, func(s protocol.RoomState) bool { return len(s.Roster) == 2 })

	// Any member may start; Bob does.
	send(t, bob, protocol.KindInput, protocol.Input{
		Seq:    1,
		Action: protocol.Action{Type: protocol.ActionStart},
	})
	running := waitRoomState(t, alice, func(s protocol.RoomState) bool { return s.Phase == "running" })
	require.True(t, running.Snapshot.Keyframe)
	require.Equal(t, "tower", running.Snapshot.Scene, "room uses the scene chosen at creation")
	require.NotEmpty(t, running.Snapshot.Bodies)

	// The authority streams tick-stamped snapshots to every member.
	first := waitSnapshot(t, bob, func(s protocol.Snapshot) bool { return true })
	waitSnapshot(t, bob, func(s protocol.Snapshot) bool { return s.Tick > first.Tick })
	waitSnapshot(t, alice, func(s protocol.Snapshot) bool { return s.Tick > 0 })
}

func TestJoinUnknownRoom(t *testing.T) {
	ts := newGameServer(t, room.Config{})
	conn := dial(t, ts, identity.New())

	send(t, conn, protocol.KindJoinRoom, protocol.JoinRoom{Name: "Eve", Code: "ZZZZ"})
	require.Equal(t, protocol.CodeRoomNotFound, waitError(t, conn).Code)

	// Malformed codes get the same answer as unknown ones.
	send(t, conn, protocol.KindJoinRoom, protocol.JoinRoom{Name: "Eve", Code: "nope!"})
	require.Equal(t, protocol.CodeRoomNotFound, waitError(t, conn).Code)
}

func TestInvalidNameAndFullRoom(t *testing.T) {
	ts := newGameServer(t, room.Config{MaxPlayers: 1})

	alice := dial(t, ts, identity.New())
	send(t, alice, protocol.KindCreateRoom, protocol.CreateRoom{Name: "Alice"})
	created := waitRoomState(t, alice, func(s protocol.RoomState) bool { return true })

	noName := dial(t, ts, identity.New())
	send(t, noName, protocol.KindJoinRoom, protocol.JoinRoom{Name: "   ", Code: created.Code})
	require.Equal(t, protocol.CodeInvalidName, waitError(t, noName).Code)

	bob := dial(t, ts, identity.New())
	send(t, bob, protocol.KindJoinRoom, protocol.JoinRoom{Name: "Bob", Code: created.Code})
	require.Equal(t, protocol.CodeRoomFull, waitError(t, bob).Code)
}

func TestBinaryClientFrameFailsClosed(t *testing.T) {
	ts := newGameServer(t, room.Config{})
	conn := dial(t, ts, identity.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{0x01}))

	require.Equal(t, protocol.CodeProtocol, waitError(t, conn).Code)
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestAuthorityKindFromClientFailsClosed(t *testing.T) {
	ts := newGameServer(t, room.Config{})
	conn := dial(t, ts, identity.New())

	send(t, conn, protocol.KindRoomState, protocol.RoomState{})

	require.Equal(t, protocol.CodeProtocol, waitError(t, conn).Code)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestSecondRoomMovesThePlayer(t *testing.T) {
	ts := newGameServer(t, room.Config{})
	user := identity.New()

	first := dial(t, ts, user)
	send(t, first, protocol.KindCreateRoom, protocol.CreateRoom{Name: "Alice"})
	waitRoomState(t, first, func(s protocol.RoomState) bool { return true })

	// The same identity opening a second room is a move, not a clone.
	second := dial(t, ts, user)
	send(t, second, protocol.KindCreateRoom, protocol.CreateRoom{Name: "Alice"})
	created := waitRoomState(t, second, func(s protocol.RoomState) bool { return true })
	require.Len(t, created.Roster, 1)

	// The first room unseats the player; losing the seat closes the first
	// socket's room connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := first.Read(ctx)
		if err != nil {
			require.NoError(t, ctx.Err(), "first socket never closed")
			return
		}
	}
}

func TestReconnectResumesSeatAndExpiryDestroysRoom(t *testing.T) {
	ts := newGameServer(t, room.Config{
		Grace:    150 * time.Millisecond,
		EmptyTTL: 150 * time.Millisecond,
	})
	user := identity.New()

	conn := dial(t, ts, user)
	send(t, conn, protocol.KindCreateRoom, protocol.CreateRoom{Name: "Alice"})
	created := waitRoomState(t, conn, func(s protocol.RoomState) bool { return true })

	// Drop the socket; the seat survives inside the grace window.
	conn.Close(websocket.StatusGoingAway, "")
	again := dial(t, ts, user)
	send(t, again, protocol.KindJoinRoom, protocol.JoinRoom{Name: "Alice", Code: created.Code})
	resumed := waitRoomState(t, again, func(s protocol.RoomState) bool { return true })
	require.Equal(t, created.Code, resumed.Code)
	require.Len(t, resumed.Roster, 1)
	require.True(t, resumed.Roster[0].Present)

	// Gone for good this time: grace lapses, the empty room is destroyed,
	// and its code disappears from the listing.
	again.Close(websocket.StatusGoingAway, "")
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/rooms")
		require.NoError(t, err)
		var listing struct {
			Rooms []registry.RoomInfo `json:"rooms"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
		resp.Body.Close()
		if len(listing.Rooms) == 0 {
			return
		}
		require.True(t, time.Now().Before(deadline), "room never destroyed")
		time.Sleep(25 * time.Millisecond)
	}
}
