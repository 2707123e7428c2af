package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rubble-game/rubble-backend/internal/code"
	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/protocol"
	"github.com/rubble-game/rubble-backend/internal/room"
)

func newTestRegistry(t *testing.T, cfg room.Config) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, cfg, zap.NewNop())
}

func create(t *testing.T, r *Registry) CreateReply {
	t.Helper()
	reply := make(chan CreateReply, 1)
	r.Inbox() <- Create{Reply: reply}
	select {
	case rep := <-reply:
		if rep.Err != nil {
			t.Fatalf("create: %v", rep.Err)
		}
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out creating room")
		return CreateReply{}
	}
}

func lookup(t *testing.T, r *Registry, c code.Code) *room.Room {
	t.Helper()
	reply := make(chan *room.Room, 1)
	r.Inbox() <- Lookup{Code: c, Reply: reply}
	select {
	case rm := <-reply:
		return rm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out on lookup")
		return nil
	}
}

func TestCreateAllocatesUniqueLiveCodes(t *testing.T) {
	r := newTestRegistry(t, room.Config{})

	seen := make(map[code.Code]bool)
	for i := 0; i < 32; i++ {
		rep := create(t, r)
		if seen[rep.Code] {
			t.Fatalf("code %s issued twice among live rooms", rep.Code)
		}
		seen[rep.Code] = true
		if got := lookup(t, r, rep.Code); got != rep.Room {
			t.Fatalf("lookup(%s) returned a different room", rep.Code)
		}
	}
}

func TestLookupIsCaseInsensitiveViaParse(t *testing.T) {
	r := newTestRegistry(t, room.Config{})
	rep := create(t, r)

	// Users type codes in any case; Parse canonicalizes before lookup.
	lower, err := code.Parse(strings.ToLower(rep.Code.String()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := lookup(t, r, lower); got != rep.Room {
		t.Fatal("canonicalized lowercase code should resolve to the same room")
	}
}

func TestLookupUnknownCodeIsNil(t *testing.T) {
	r := newTestRegistry(t, room.Config{})
	if got := lookup(t, r, code.Code("ZZZZ")); got != nil {
		t.Fatalf("unknown code resolved to %v", got)
	}
}

func joinRoom(t *testing.T, rm *room.Room, user identity.UserID, name string) {
	t.Helper()
	out := make(chan room.Push, 64)
	reply := make(chan room.JoinReply, 1)
	rm.Inbox() <- room.Join{User: user, Name: name, Outbox: out, Reply: reply}
	select {
	case rep := <-reply:
		if rep.Err != nil {
			t.Fatalf("join: %v", rep.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out joining room")
	}
}

func roster(t *testing.T, rm *room.Room) []protocol.Seat {
	t.Helper()
	reply := make(chan room.View, 1)
	rm.Inbox() <- room.GetState{Reply: reply}
	select {
	case v := <-reply:
		return v.Roster
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading roster")
		return nil
	}
}

func TestUserHoldsOneSeatAcrossRooms(t *testing.T) {
	r := newTestRegistry(t, room.Config{})
	repA := create(t, r)
	repB := create(t, r)
	user := identity.New()

	joinRoom(t, repA.Room, user, "Alice")
	r.Inbox() <- Bind{User: user, Code: repA.Code}

	// The same identity joining a second room moves the player: the
	// registry unseats them from the first.
	joinRoom(t, repB.Room, user, "Alice")
	r.Inbox() <- Bind{User: user, Code: repB.Code}

	deadline := time.Now().Add(2 * time.Second)
	for len(roster(t, repA.Room)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("user still seated in both rooms: %+v", roster(t, repA.Room))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := roster(t, repB.Room); len(got) != 1 || got[0].Name != "Alice" {
		t.Fatalf("user should keep the seat in the newer room, got %+v", got)
	}
}

func TestTerminatedRoomReleasesItsCode(t *testing.T) {
	cfg := room.Config{EmptyTTL: 20 * time.Millisecond, Grace: 20 * time.Millisecond}
	r := newTestRegistry(t, cfg)
	rep := create(t, r)

	// Nobody ever joins; the room expires and hands its code back.
	select {
	case <-rep.Room.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("empty room never expired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for lookup(t, r, rep.Code) != nil {
		if time.Now().After(deadline) {
			t.Fatal("terminated room's code was never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
