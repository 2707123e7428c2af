package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrProtocol is fatal to the connection it occurred on; the transport
// closes rather than attempting best-effort interpretation.
var ErrProtocol = errors.New("protocol violation")

// Envelope frames every JSON control message. Snapshots travel separately
// as binary msgpack frames, which keeps the hot path compact and makes
// authority pushes structurally distinct from anything a client can send.
type Envelope struct {
	V int             `json:"v"`
	T string          `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
}

// Encode frames a payload as a versioned JSON envelope.
func Encode(kind string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{V: Version, T: kind, P: p})
}

// DecodeEnvelope parses and version-checks an inbound frame. Unknown kinds
// and version mismatches fail closed.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if e.V != Version {
		return Envelope{}, fmt.Errorf("%w: version %d, want %d", ErrProtocol, e.V, Version)
	}
	switch e.T {
	case KindCreateRoom, KindJoinRoom, KindInput, KindLeave,
		KindRoomState, KindError, KindRoomClosed:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrProtocol, e.T)
	}
	return e, nil
}

// DecodePayload unmarshals an envelope payload into a concrete message.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.P) == 0 {
		return out, fmt.Errorf("%w: empty payload for %q", ErrProtocol, env.T)
	}
	if err := json.Unmarshal(env.P, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return out, nil
}

// EncodeSnapshot packs a snapshot into a binary frame.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	s.Ver = Version
	return msgpack.Marshal(&s)
}

// DecodeSnapshot unpacks a binary snapshot frame, rejecting foreign versions.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if s.Ver != Version {
		return Snapshot{}, fmt.Errorf("%w: snapshot version %d, want %d", ErrProtocol, s.Ver, Version)
	}
	return s, nil
}
