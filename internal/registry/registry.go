package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rubble-game/rubble-backend/internal/code"
	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/room"
)

// ErrRoomNotFound covers both unknown and already-destroyed codes; callers
// cannot tell the difference and should not be able to.
var ErrRoomNotFound = errors.New("room not found")

type Msg interface{ isRegistryMsg() }

// Create allocates a fresh code and spawns its room. Scene, when set, becomes
// the room's default scene. The creator joins the new room through the
// returned handle, same as any other member.
type Create struct {
	Scene string
	Reply chan CreateReply
}

func (Create) isRegistryMsg() {}

type CreateReply struct {
	Code code.Code
	Room *room.Room
	Err  error
}

// Lookup resolves a code to its live room; the reply is nil when no such
// room exists.
type Lookup struct {
	Code  code.Code
	Reply chan *room.Room
}

func (Lookup) isRegistryMsg() {}

// Remove releases a code. Rooms send this when they terminate; the periodic
// reap sweep catches any that could not.
type Remove struct{ Code code.Code }

func (Remove) isRegistryMsg() {}

// List replies with a lightweight view of every live room.
type List struct {
	Reply chan []RoomInfo
}

func (List) isRegistryMsg() {}

type RoomInfo struct {
	Code string `json:"code"`
}

// Bind records that a user now holds a seat in the given room. A user holds
// at most one seat across all rooms: binding to a new code unseats them from
// the previous one, so a second browser tab joining elsewhere moves the
// player instead of duplicating them.
type Bind struct {
	User identity.UserID
	Code code.Code
}

func (Bind) isRegistryMsg() {}

type ShutdownAll struct{}

func (ShutdownAll) isRegistryMsg() {}

// Registry owns the process-wide code->room table. Rooms are independent
// actors; the registry only creates, resolves and releases them, so create
// and join traffic for different codes never contends.
type Registry struct {
	inbox   chan Msg
	rooms   map[code.Code]*room.Room
	users   map[identity.UserID]code.Code
	roomCfg room.Config
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// ReapInterval is how often the registry sweeps for rooms that terminated
// without managing to report it.
const ReapInterval = 30 * time.Second

func New(parent context.Context, roomCfg room.Config, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:   make(chan Msg, 64),
		rooms:   make(map[code.Code]*room.Room),
		users:   make(map[identity.UserID]code.Code),
		roomCfg: roomCfg,
		log:     log.Named("registry"),
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	reap := time.NewTicker(ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Create:
				msg.Reply <- r.create(msg.Scene)

			case Lookup:
				msg.Reply <- r.rooms[msg.Code]

			case Remove:
				if rm := r.rooms[msg.Code]; rm != nil && rm.Terminated() {
					delete(r.rooms, msg.Code)
					r.releaseUsers(msg.Code)
					r.log.Info("room released", zap.String("code", msg.Code.String()))
				}

			case Bind:
				r.bind(msg)

			case List:
				out := make([]RoomInfo, 0, len(r.rooms))
				for c := range r.rooms {
					out = append(out, RoomInfo{Code: c.String()})
				}
				msg.Reply <- out

			case ShutdownAll:
				r.shutdown()
				return
			}

		case <-reap.C:
			for c, rm := range r.rooms {
				if rm.Terminated() {
					delete(r.rooms, c)
					r.releaseUsers(c)
					r.log.Info("room reaped", zap.String("code", c.String()))
				}
			}
		}
	}
}

func (r *Registry) create(scene string) CreateReply {
	var c code.Code
	for {
		// Random draw with collision retry against the live set. Codes of
		// destroyed rooms are back in play by construction.
		generated, err := code.Generate()
		if err != nil {
			return CreateReply{Err: err}
		}
		if _, taken := r.rooms[generated]; !taken {
			c = generated
			break
		}
		r.log.Debug("code collision, redrawing", zap.String("code", generated.String()))
	}

	cfg := r.roomCfg
	if scene != "" {
		cfg.DefaultScene = scene
	}
	rm := room.New(r.ctx, c, cfg, r.log.Named("room"), func(released code.Code) {
		select {
		case r.inbox <- Remove{Code: released}:
		case <-r.ctx.Done():
		}
	})
	r.rooms[c] = rm
	r.log.Info("room created", zap.String("code", c.String()))
	return CreateReply{Code: c, Room: rm}
}

func (r *Registry) bind(msg Bind) {
	old, ok := r.users[msg.User]
	if ok && old != msg.Code {
		if prev := r.rooms[old]; prev != nil {
			// Unseat from a goroutine: the registry never blocks on a
			// room's inbox.
			go prev.Send(room.Leave{User: msg.User})
		}
	}
	r.users[msg.User] = msg.Code
}

func (r *Registry) releaseUsers(c code.Code) {
	for u, rc := range r.users {
		if rc == c {
			delete(r.users, u)
		}
	}
}

func (r *Registry) shutdown() {
	for c, rm := range r.rooms {
		rm.Send(room.Shutdown{})
		delete(r.rooms, c)
	}
	r.cancel()
}
