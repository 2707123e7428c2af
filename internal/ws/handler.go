package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/rubble-game/rubble-backend/internal/code"
	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/protocol"
	"github.com/rubble-game/rubble-backend/internal/registry"
	"github.com/rubble-game/rubble-backend/internal/room"
	"github.com/rubble-game/rubble-backend/internal/sim"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 64
)

// Handler upgrades a request into a game session. The identity cookie must
// parse before the upgrade happens; everything after rides the socket.
func Handler(reg *registry.Registry, log *zap.Logger, dev bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromCookie(r)
		if err != nil {
			http.Error(w, "missing or invalid identity cookie", http.StatusBadRequest)
			return
		}

		opts := &websocket.AcceptOptions{}
		if dev {
			opts.OriginPatterns = []string{"localhost:*", "127.0.0.1:*"}
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		s := &session{
			user: user,
			conn: conn,
			reg:  reg,
			log:  log.With(zap.String("user", user.String())),
		}
		s.run(r.Context())
	}
}

func userFromCookie(r *http.Request) (identity.UserID, error) {
	c, err := r.Cookie(identity.CookieName)
	if err != nil {
		return "", err
	}
	return identity.Parse(c.Value)
}

// session is one authenticated socket. Every inbound message acts as the
// cookie's UserID; ids carried in payloads are never trusted.
type session struct {
	user identity.UserID
	conn *websocket.Conn
	reg  *registry.Registry
	log  *zap.Logger

	rm  *room.Room
	out chan room.Push
}

func (s *session) run(ctx context.Context) {
	defer func() {
		if s.rm != nil {
			// Outbox identifies this socket so a replaced connection's exit
			// cannot unseat its successor.
			s.rm.Send(room.Disconnect{User: s.user, Outbox: s.out})
		}
	}()

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			// Binary frames are authority pushes; clients have no business
			// sending them.
			s.closeProtocol("binary frame from client")
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.closeProtocol(err.Error())
			return
		}
		if !protocol.ClientKind(env.T) {
			s.closeProtocol("authority kind from client")
			return
		}
		if !s.dispatch(ctx, env) {
			return
		}
	}
}

// dispatch handles one client envelope; a false return ends the session.
func (s *session) dispatch(ctx context.Context, env protocol.Envelope) bool {
	switch env.T {
	case protocol.KindCreateRoom:
		msg, err := protocol.DecodePayload[protocol.CreateRoom](env)
		if err != nil {
			s.closeProtocol(err.Error())
			return false
		}
		s.handleCreate(ctx, msg)

	case protocol.KindJoinRoom:
		msg, err := protocol.DecodePayload[protocol.JoinRoom](env)
		if err != nil {
			s.closeProtocol(err.Error())
			return false
		}
		s.handleJoin(ctx, msg)

	case protocol.KindInput:
		msg, err := protocol.DecodePayload[protocol.Input](env)
		if err != nil {
			s.closeProtocol(err.Error())
			return false
		}
		s.handleInput(ctx, msg)

	case protocol.KindLeave:
		if s.rm != nil {
			s.rm.Send(room.Leave{User: s.user})
			s.rm = nil
		}
		return false
	}
	return true
}

func (s *session) handleCreate(ctx context.Context, msg protocol.CreateRoom) {
	if s.rm != nil && !s.rm.Terminated() {
		s.sendError(ctx, protocol.CodeProtocol, "already in a room")
		return
	}
	// Validate before allocating so a bad request never leaves an orphan
	// room waiting out its empty TTL.
	if _, err := room.CleanName(msg.Name); err != nil {
		s.sendError(ctx, protocol.CodeInvalidName, "invalid display name")
		return
	}
	if _, err := sim.ParseScene(msg.Scene); err != nil {
		s.sendError(ctx, protocol.CodeProtocol, "unknown scene")
		return
	}

	reply := make(chan registry.CreateReply, 1)
	select {
	case s.reg.Inbox() <- registry.Create{Scene: msg.Scene, Reply: reply}:
	case <-ctx.Done():
		return
	}
	var rep registry.CreateReply
	select {
	case rep = <-reply:
	case <-ctx.Done():
		return
	}
	if rep.Err != nil {
		s.log.Error("create room", zap.Error(rep.Err))
		s.sendError(ctx, protocol.CodeProtocol, "could not create room")
		return
	}
	s.joinRoom(ctx, rep.Room, msg.Name)
}

func (s *session) handleJoin(ctx context.Context, msg protocol.JoinRoom) {
	if s.rm != nil && !s.rm.Terminated() {
		s.sendError(ctx, protocol.CodeProtocol, "already in a room")
		return
	}
	// A malformed code and an unknown one get the same answer; codes are
	// guessable by design and reveal nothing.
	c, err := code.Parse(msg.Code)
	if err != nil {
		s.sendError(ctx, protocol.CodeRoomNotFound, "room not found")
		return
	}

	reply := make(chan *room.Room, 1)
	select {
	case s.reg.Inbox() <- registry.Lookup{Code: c, Reply: reply}:
	case <-ctx.Done():
		return
	}
	var rm *room.Room
	select {
	case rm = <-reply:
	case <-ctx.Done():
		return
	}
	if rm == nil {
		s.sendError(ctx, protocol.CodeRoomNotFound, "room not found")
		return
	}
	s.joinRoom(ctx, rm, msg.Name)
}

func (s *session) joinRoom(ctx context.Context, rm *room.Room, name string) {
	out := make(chan room.Push, outboxSize)
	reply := make(chan room.JoinReply, 1)
	if !rm.Send(room.Join{User: s.user, Name: name, Outbox: out, Reply: reply}) {
		s.sendError(ctx, protocol.CodeRoomNotFound, "room not found")
		return
	}

	var rep room.JoinReply
	select {
	case rep = <-reply:
	case <-rm.Done():
		// The room may have answered just before shutting down.
		select {
		case rep = <-reply:
		default:
			rep.Err = room.ErrRoomClosed
		}
	}
	if rep.Err != nil {
		switch {
		case errors.Is(rep.Err, room.ErrRoomFull):
			s.sendError(ctx, protocol.CodeRoomFull, "room is full")
		case errors.Is(rep.Err, room.ErrInvalidName):
			s.sendError(ctx, protocol.CodeInvalidName, "invalid display name")
		default:
			s.sendError(ctx, protocol.CodeRoomNotFound, "room not found")
		}
		return
	}

	s.rm, s.out = rm, out
	// One seat per user across all rooms: the registry unseats this user
	// from any previous room.
	select {
	case s.reg.Inbox() <- registry.Bind{User: s.user, Code: rm.Code()}:
	case <-ctx.Done():
	}
	go s.pump(ctx, out)
	if err := s.push(ctx, protocol.KindRoomState, rep.State); err != nil {
		s.log.Debug("join reply write failed", zap.Error(err))
	}
}

func (s *session) handleInput(ctx context.Context, in protocol.Input) {
	if s.rm == nil {
		s.sendError(ctx, protocol.CodeProtocol, "not in a room")
		return
	}
	if !s.rm.Send(room.FromClient{User: s.user, Input: in}) {
		s.sendError(ctx, protocol.CodeRoomNotFound, "room not found")
	}
}

// pump forwards authority pushes until the room closes the outbox. Closure
// means this connection is done (room terminated, seat expired, socket
// replaced, or the room shed us as a slow subscriber), so the socket closes
// with it; any surviving seat is governed by the grace rules.
func (s *session) pump(ctx context.Context, out <-chan room.Push) {
	for p := range out {
		var err error
		switch {
		case p.State != nil:
			err = s.push(ctx, protocol.KindRoomState, *p.State)
		case p.Snapshot != nil:
			err = s.writeSnapshot(ctx, *p.Snapshot)
		case p.Closed != nil:
			err = s.push(ctx, protocol.KindRoomClosed, *p.Closed)
		}
		if err != nil {
			return
		}
	}
	s.conn.Close(websocket.StatusNormalClosure, "room connection closed")
}

func (s *session) push(ctx context.Context, kind string, payload any) error {
	b, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, b)
}

func (s *session) writeSnapshot(ctx context.Context, snap protocol.Snapshot) error {
	b, err := protocol.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageBinary, b)
}

func (s *session) sendError(ctx context.Context, code, message string) {
	if err := s.push(ctx, protocol.KindError, protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		s.log.Debug("error write failed", zap.Error(err))
	}
}

// closeProtocol ends the connection after a violation. The session fails
// closed: no best-effort interpretation of frames we do not understand.
func (s *session) closeProtocol(detail string) {
	s.log.Warn("protocol violation", zap.String("detail", detail))
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.sendError(ctx, protocol.CodeProtocol, "protocol violation")
	s.conn.Close(websocket.StatusPolicyViolation, "protocol violation")
}
