package room

import (
	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/protocol"
)

type Msg interface{ isRoomMsg() }

// Join seats a user (or re-seats a reconnecting one) and registers their
// outbox for pushes. The reply carries the authoritative room state or a
// join error; nothing is pushed through Outbox until the join succeeds.
type Join struct {
	User   identity.UserID
	Name   string
	Outbox chan<- Push
	Reply  chan JoinReply
}

func (Join) isRoomMsg() {}

type JoinReply struct {
	State protocol.RoomState
	Err   error
}

// Disconnect marks the seat absent and starts the grace timer. The seat and
// its input cursor survive until the grace period lapses. Outbox, when set,
// identifies the connection that dropped: a socket that was already replaced
// by a newer one must not unseat its successor.
type Disconnect struct {
	User   identity.UserID
	Outbox chan<- Push
}

func (Disconnect) isRoomMsg() {}

// Leave gives the seat up immediately.
type Leave struct{ User identity.UserID }

func (Leave) isRoomMsg() {}

// FromClient queues one input; it is applied on the next tick in server
// receipt order.
type FromClient struct {
	User  identity.UserID
	Input protocol.Input
}

func (FromClient) isRoomMsg() {}

// GetState reflects internal state without data races; test use only.
type GetState struct{ Reply chan View }

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// internal timer messages
type seatExpired struct{ User identity.UserID }

func (seatExpired) isRoomMsg() {}

type roomExpired struct{}

func (roomExpired) isRoomMsg() {}

// Push is one authority-originated message for a single subscriber; exactly
// one field is set.
type Push struct {
	State    *protocol.RoomState
	Snapshot *protocol.Snapshot
	Closed   *protocol.RoomClosed
}

// View is the test-only reflection of room internals.
type View struct {
	Phase          Phase
	Tick           uint64
	Roster         []protocol.Seat
	NumSubscribers int
	PendingInputs  int
}
