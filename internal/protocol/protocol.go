package protocol

import (
	"github.com/rubble-game/rubble-backend/internal/sim"
)

// Version is bumped whenever the wire format changes incompatibly. Peers on
// a different version fail closed rather than guessing.
const Version = 1

// Message kinds. The set is closed: anything else is a protocol violation.
const (
	// client -> authority
	KindCreateRoom = "create_room"
	KindJoinRoom   = "join_room"
	KindInput      = "input"
	KindLeave      = "leave"

	// authority -> client
	KindRoomState  = "room_state"
	KindError      = "error"
	KindRoomClosed = "room_closed"
)

// ClientKind reports whether a kind may originate from a client. Authority
// kinds arriving on the inbound path are spoofing attempts and fail closed.
func ClientKind(t string) bool {
	switch t {
	case KindCreateRoom, KindJoinRoom, KindInput, KindLeave:
		return true
	}
	return false
}

// CreateRoom asks the authority to allocate a fresh room with the sender as
// its first player.
type CreateRoom struct {
	Name  string `json:"name"`
	Scene string `json:"scene,omitempty"`
}

// JoinRoom asks to take a seat in an existing room.
type JoinRoom struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Input carries one player action. Seq is a client-assigned monotonic
// sequence number used only for duplicate suppression and reconciliation
// acks; ordering between players is decided by server receipt order.
type Input struct {
	Seq    uint64 `json:"seq"`
	Action Action `json:"action"`
}

// Action kinds a player may take once a room is running, plus "start" which
// transitions a lobby into the running state.
const (
	ActionStart  = "start"
	ActionRemove = "remove"
	ActionDrop   = "drop"
	ActionMove   = "move"
)

type Action struct {
	Type  string  `json:"type"`
	Scene string  `json:"scene,omitempty"`
	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
}

// Leave gives up the seat immediately, skipping the disconnect grace.
type Leave struct{}

// Seat is one roster entry. Join order is meaningful and preserved.
type Seat struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Score   int    `json:"score"`
}

// RoomState is the authoritative response to create/join and the periodic
// full resync push on roster changes.
type RoomState struct {
	Code     string   `json:"code"`
	Phase    string   `json:"phase"`
	Roster   []Seat   `json:"roster"`
	Snapshot Snapshot `json:"snapshot"`
}

// ErrorMsg is reported only to the originating connection.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire error codes carried by ErrorMsg.
const (
	CodeRoomNotFound = "room_not_found"
	CodeRoomFull     = "room_full"
	CodeInvalidName  = "invalid_name"
	CodeProtocol     = "protocol"
)

// RoomClosed is broadcast to every member when a room terminates.
type RoomClosed struct {
	Reason string `json:"reason"`
}

// Room close reasons.
const (
	ReasonCleared  = "cleared"
	ReasonSimFault = "simulation_fault"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Snapshot is a tick-stamped view of simulation state: a keyframe carries
// every body, a delta carries only changed bodies plus removed ids. Acks
// maps UserID to the last input sequence number applied at this tick, which
// is what client prediction replays against.
type Snapshot struct {
	Ver      int               `json:"ver" msgpack:"ver"`
	Tick     uint64            `json:"t" msgpack:"t"`
	Keyframe bool              `json:"keyframe,omitempty" msgpack:"keyframe,omitempty"`
	Scene    string            `json:"scene,omitempty" msgpack:"scene,omitempty"`
	Bodies   []sim.BodyState   `json:"bodies,omitempty" msgpack:"bodies,omitempty"`
	Removed  []int             `json:"removed,omitempty" msgpack:"removed,omitempty"`
	Acks     map[string]uint64 `json:"acks,omitempty" msgpack:"acks,omitempty"`
}
