package room

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rubble-game/rubble-backend/internal/code"
	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/protocol"
	"github.com/rubble-game/rubble-backend/internal/sim"
)

var (
	ErrRoomFull    = errors.New("room is full")
	ErrInvalidName = errors.New("invalid display name")
	ErrRoomClosed  = errors.New("room is closed")
)

// Phase is the room lifecycle state.
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseRunning    Phase = "running"
	PhaseTerminated Phase = "terminated"
)

// Config holds per-room tuning. Zero values are filled from defaults.
type Config struct {
	TickHz         int           // fixed simulation rate
	BroadcastEvery int           // ticks between snapshot broadcasts
	KeyframeEvery  int           // deltas between forced keyframes
	MaxPlayers     int           // roster capacity, absent seats included
	Grace          time.Duration // disconnected seat retention
	EmptyTTL       time.Duration // empty room retention before destruction
	PendingLimit   int           // queued inputs per tick before shedding
	DefaultScene   string        // scene used when the start input names none
}

func DefaultConfig() Config {
	return Config{
		TickHz:         30,
		BroadcastEvery: 2,
		KeyframeEvery:  30,
		MaxPlayers:     8,
		Grace:          30 * time.Second,
		EmptyTTL:       30 * time.Second,
		PendingLimit:   1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickHz <= 0 {
		c.TickHz = d.TickHz
	}
	if c.BroadcastEvery <= 0 {
		c.BroadcastEvery = d.BroadcastEvery
	}
	if c.KeyframeEvery <= 0 {
		c.KeyframeEvery = d.KeyframeEvery
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = d.MaxPlayers
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.EmptyTTL <= 0 {
		c.EmptyTTL = d.EmptyTTL
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = d.PendingLimit
	}
	return c
}

type seat struct {
	user    identity.UserID
	name    string
	present bool
	score   int
	lastSeq uint64
	outbox  chan<- Push
	grace   *time.Timer
}

type pendingInput struct {
	user identity.UserID
	in   protocol.Input
}

// Room is the simulation authority for one room code. All state is owned by
// the room goroutine; the only way in is the inbox.
type Room struct {
	roomCode code.Code
	cfg      Config
	inbox    chan Msg

	phase    Phase
	world    *sim.World
	seats    []*seat // join order is seat order
	pending  []pendingInput
	lastSent map[int]sim.BodyState
	sinceKey int

	step     time.Duration
	accum    time.Duration
	lastWake time.Time

	emptyTimer *time.Timer
	done       atomic.Bool

	onTerminate func(code.Code)
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// New spawns the room actor. onTerminate is invoked exactly once, after the
// room has fully shut down, so the registry can release the code.
func New(parent context.Context, c code.Code, cfg Config, log *zap.Logger, onTerminate func(code.Code)) *Room {
	ctx, cancel := context.WithCancel(parent)
	cfg = cfg.withDefaults()
	r := &Room{
		roomCode:    c,
		cfg:         cfg,
		inbox:       make(chan Msg, 64),
		phase:       PhaseLobby,
		step:        time.Second / time.Duration(cfg.TickHz),
		onTerminate: onTerminate,
		log:         log.With(zap.String("room", c.String())),
		ctx:         ctx,
		cancel:      cancel,
	}
	// A freshly created room is empty until its creator's join lands.
	r.armEmptyTimer()
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Send delivers a message unless the room has already terminated, so
// callers holding a stale handle never block on a dead inbox. The done check
// comes first: a dead room's inbox may still have buffer capacity, which
// would otherwise let the send arm win the select.
func (r *Room) Send(m Msg) bool {
	if r.done.Load() {
		return false
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Done is closed once the room goroutine has shut down.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) Code() code.Code { return r.roomCode }

// Terminated is safe to call from other goroutines; the registry uses it
// when reaping.
func (r *Room) Terminated() bool { return r.done.Load() }

func (r *Room) loop() {
	ticker := time.NewTicker(r.step)
	defer ticker.Stop()
	r.lastWake = time.Now()

	for {
		select {
		case <-r.ctx.Done():
			r.terminate(protocol.ReasonShutdown)
			return

		case m := <-r.inbox:
			r.handle(m)
			if r.phase == PhaseTerminated {
				return
			}

		case now := <-ticker.C:
			if r.phase != PhaseRunning {
				r.lastWake = now
				continue
			}
			// Fixed logical rate: when behind wall clock, catch up by
			// running ticks back-to-back rather than skipping.
			r.accum += now.Sub(r.lastWake)
			r.lastWake = now
			for r.accum >= r.step {
				r.accum -= r.step
				r.advanceTick()
				if r.phase == PhaseTerminated {
					return
				}
			}
		}
	}
}

func (r *Room) handle(m Msg) {
	switch msg := m.(type) {
	case Join:
		r.handleJoin(msg)

	case Disconnect:
		r.handleDisconnect(msg)

	case Leave:
		if r.removeSeat(msg.User) {
			r.broadcastRoomState()
			r.maybeEmpty()
		}

	case FromClient:
		r.handleInput(msg)

	case GetState:
		msg.Reply <- View{
			Phase:          r.phase,
			Tick:           r.tick(),
			Roster:         r.roster(),
			NumSubscribers: r.numSubscribers(),
			PendingInputs:  len(r.pending),
		}

	case seatExpired:
		st := r.seatOf(msg.User)
		if st == nil || st.present {
			return // reconnected in time, or already gone
		}
		r.removeSeat(msg.User)
		r.broadcastRoomState()
		r.maybeEmpty()

	case roomExpired:
		for _, st := range r.seats {
			if st.present {
				return // stale timer
			}
		}
		r.terminate(protocol.ReasonExpired)

	case Shutdown:
		r.terminate(protocol.ReasonShutdown)
	}
}

func (r *Room) handleJoin(msg Join) {
	if r.phase == PhaseTerminated {
		msg.Reply <- JoinReply{Err: ErrRoomClosed}
		return
	}

	if st := r.seatOf(msg.User); st != nil {
		// Same UserID within the grace window resumes the same seat (and
		// its input cursor). A second socket for a live seat replaces the
		// first.
		if st.outbox != nil {
			close(st.outbox)
		}
		if st.grace != nil {
			st.grace.Stop()
			st.grace = nil
		}
		st.outbox = msg.Outbox
		st.present = true
		r.stopEmptyTimer()
		msg.Reply <- JoinReply{State: r.roomState()}
		r.broadcastRoomState()
		return
	}

	name, err := CleanName(msg.Name)
	if err != nil {
		msg.Reply <- JoinReply{Err: err}
		return
	}
	if len(r.seats) >= r.cfg.MaxPlayers {
		// Capacity check happens here, inside the owning actor, so racing
		// joins on one code are serialized and the roster is not mutated.
		msg.Reply <- JoinReply{Err: ErrRoomFull}
		return
	}

	r.seats = append(r.seats, &seat{
		user:    msg.User,
		name:    name,
		present: true,
		outbox:  msg.Outbox,
	})
	r.stopEmptyTimer()
	msg.Reply <- JoinReply{State: r.roomState()}
	r.broadcastRoomState()
}

func (r *Room) handleDisconnect(msg Disconnect) {
	st := r.seatOf(msg.User)
	if st == nil || !st.present {
		return
	}
	if msg.Outbox != nil && st.outbox != msg.Outbox {
		return // stale notice from a connection that was already replaced
	}
	user := msg.User
	st.present = false
	if st.outbox != nil {
		close(st.outbox)
		st.outbox = nil
	}
	st.grace = time.AfterFunc(r.cfg.Grace, func() {
		r.send(seatExpired{User: user})
	})
	r.broadcastRoomState()
}

func (r *Room) handleInput(msg FromClient) {
	st := r.seatOf(msg.User)
	if st == nil {
		return
	}

	switch r.phase {
	case PhaseLobby:
		// The only input a lobby accepts is the start signal; everything
		// else is a client bug and is dropped without penalty.
		if msg.Input.Action.Type == protocol.ActionStart {
			r.handleStart(st, msg.Input)
		}

	case PhaseRunning:
		if len(r.pending) >= r.cfg.PendingLimit {
			r.log.Warn("input queue full, shedding", zap.String("user", msg.User.String()))
			return
		}
		r.pending = append(r.pending, pendingInput{user: msg.User, in: msg.Input})
	}
}

func (r *Room) handleStart(st *seat, in protocol.Input) {
	if in.Seq <= st.lastSeq {
		return
	}
	st.lastSeq = in.Seq

	name := in.Action.Scene
	if name == "" {
		name = r.cfg.DefaultScene
	}
	scene, err := sim.ParseScene(name)
	if err != nil {
		r.log.Warn("start with unknown scene", zap.String("scene", name))
		return
	}

	r.world = sim.NewWorld(scene)
	r.phase = PhaseRunning
	r.lastSent = nil
	r.sinceKey = 0
	r.accum = 0
	r.lastWake = time.Now()
	r.log.Info("room running", zap.String("scene", string(scene)))
	r.broadcastRoomState()
}

// advanceTick is the per-tick algorithm: drain inputs in receipt order,
// suppress duplicates, apply, step the world one fixed timestep, broadcast.
func (r *Room) advanceTick() {
	pend := r.pending
	r.pending = r.pending[:0]

	scored := false
	for _, p := range pend {
		st := r.seatOf(p.user)
		if st == nil {
			continue // seat expired between receipt and tick
		}
		if p.in.Seq <= st.lastSeq {
			continue // duplicate or stale
		}
		st.lastSeq = p.in.Seq

		cmd, ok := toSimCommand(p.in.Action)
		if !ok {
			continue // malformed input: dropped, sender keeps playing
		}
		if r.applyCommand(cmd) && cmd.Type == sim.CmdRemove {
			st.score++
			scored = true
		}
	}

	r.world.Step(1.0 / float64(r.cfg.TickHz))

	if err := r.world.Err(); err != nil {
		// Corrupted state must not propagate; the room dies loudly.
		r.log.Error("simulation fault", zap.Error(err), zap.Uint64("tick", r.world.Tick()))
		r.terminate(protocol.ReasonSimFault)
		return
	}

	if r.world.Cleared() {
		r.pushKeyframe()
		r.terminate(protocol.ReasonCleared)
		return
	}

	if r.world.Tick()%uint64(r.cfg.BroadcastEvery) == 0 {
		if scored {
			// Score changes ride a full room state instead of a delta.
			r.broadcastRoomState()
			r.lastSent = r.bodyMap()
			r.sinceKey = 0
		} else {
			r.emitSnapshot()
		}
	}
}

// applyCommand shields the tick loop from any panic in command handling; a
// bad input must not take the room (or the process) down.
func (r *Room) applyCommand(cmd sim.Command) (applied bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic applying command", zap.Any("panic", rec))
			applied = false
		}
	}()
	return r.world.Apply(cmd)
}

func toSimCommand(a protocol.Action) (sim.Command, bool) {
	var t sim.CommandType
	switch a.Type {
	case protocol.ActionRemove:
		t = sim.CmdRemove
	case protocol.ActionDrop:
		t = sim.CmdDrop
	case protocol.ActionMove:
		t = sim.CmdMove
	default:
		return sim.Command{}, false
	}
	cmd := sim.Command{Type: t, X: a.X, Y: a.Y}
	if !cmd.Validate() {
		return sim.Command{}, false
	}
	return cmd, true
}

func (r *Room) emitSnapshot() {
	cur := r.bodyMap()

	if r.lastSent == nil || r.sinceKey >= r.cfg.KeyframeEvery {
		r.pushKeyframe()
		r.lastSent = cur
		r.sinceKey = 0
		return
	}

	var changed []sim.BodyState
	for _, b := range r.world.Bodies() { // stable order
		if prev, ok := r.lastSent[b.ID]; !ok || prev != b {
			changed = append(changed, b)
		}
	}
	var removed []int
	for id := range r.lastSent {
		if _, ok := cur[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(changed) == 0 && len(removed) == 0 {
		return // world at rest, nothing to say
	}

	snap := &protocol.Snapshot{
		Tick:    r.world.Tick(),
		Bodies:  changed,
		Removed: removed,
		Acks:    r.acks(),
	}
	r.broadcast(Push{Snapshot: snap})
	r.lastSent = cur
	r.sinceKey++
}

func (r *Room) pushKeyframe() {
	snap := r.keyframe()
	r.broadcast(Push{Snapshot: &snap})
}

func (r *Room) keyframe() protocol.Snapshot {
	// Ver is stamped here, not just at binary encode time, so the snapshot
	// embedded in a JSON room_state carries the version too.
	snap := protocol.Snapshot{Ver: protocol.Version, Keyframe: true, Acks: r.acks()}
	if r.world != nil {
		snap.Tick = r.world.Tick()
		snap.Scene = string(r.world.Scene())
		snap.Bodies = r.world.Bodies()
	}
	return snap
}

func (r *Room) bodyMap() map[int]sim.BodyState {
	out := make(map[int]sim.BodyState)
	for _, b := range r.world.Bodies() {
		out[b.ID] = b
	}
	return out
}

func (r *Room) acks() map[string]uint64 {
	out := make(map[string]uint64, len(r.seats))
	for _, st := range r.seats {
		if st.lastSeq > 0 {
			out[st.user.String()] = st.lastSeq
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *Room) roomState() protocol.RoomState {
	return protocol.RoomState{
		Code:     r.roomCode.String(),
		Phase:    string(r.phase),
		Roster:   r.roster(),
		Snapshot: r.keyframe(),
	}
}

func (r *Room) roster() []protocol.Seat {
	out := make([]protocol.Seat, 0, len(r.seats))
	for _, st := range r.seats {
		out = append(out, protocol.Seat{
			UserID:  st.user.String(),
			Name:    st.name,
			Present: st.present,
			Score:   st.score,
		})
	}
	return out
}

func (r *Room) broadcastRoomState() {
	state := r.roomState()
	r.broadcast(Push{State: &state})
}

// broadcast fans out to every present subscriber. A subscriber whose outbox
// is full loses its connection, not its seat; the grace machinery then
// applies as for any disconnect.
func (r *Room) broadcast(p Push) {
	for _, st := range r.seats {
		if st.outbox == nil {
			continue
		}
		select {
		case st.outbox <- p:
		default:
			r.log.Warn("dropping slow subscriber", zap.String("user", st.user.String()))
			close(st.outbox)
			st.outbox = nil
			st.present = false
			if r.phase != PhaseTerminated {
				user := st.user
				st.grace = time.AfterFunc(r.cfg.Grace, func() {
					r.send(seatExpired{User: user})
				})
			}
		}
	}
}

func (r *Room) seatOf(user identity.UserID) *seat {
	for _, st := range r.seats {
		if st.user == user {
			return st
		}
	}
	return nil
}

func (r *Room) removeSeat(user identity.UserID) bool {
	for i, st := range r.seats {
		if st.user != user {
			continue
		}
		if st.outbox != nil {
			close(st.outbox)
		}
		if st.grace != nil {
			st.grace.Stop()
		}
		r.seats = append(r.seats[:i], r.seats[i+1:]...)
		return true
	}
	return false
}

func (r *Room) numSubscribers() int {
	n := 0
	for _, st := range r.seats {
		if st.outbox != nil {
			n++
		}
	}
	return n
}

func (r *Room) tick() uint64 {
	if r.world == nil {
		return 0
	}
	return r.world.Tick()
}

func (r *Room) maybeEmpty() {
	if len(r.seats) == 0 {
		r.armEmptyTimer()
	}
}

func (r *Room) armEmptyTimer() {
	if r.emptyTimer != nil {
		return
	}
	r.emptyTimer = time.AfterFunc(r.cfg.EmptyTTL, func() {
		r.send(roomExpired{})
	})
}

func (r *Room) stopEmptyTimer() {
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
}

// send delivers an internal timer message unless the room is already gone.
func (r *Room) send(m Msg) {
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
	}
}

func (r *Room) terminate(reason string) {
	if r.phase == PhaseTerminated {
		return
	}
	r.phase = PhaseTerminated
	r.broadcast(Push{Closed: &protocol.RoomClosed{Reason: reason}})

	for _, st := range r.seats {
		if st.outbox != nil {
			close(st.outbox)
			st.outbox = nil
		}
		if st.grace != nil {
			st.grace.Stop()
		}
	}
	r.stopEmptyTimer()
	r.done.Store(true)
	r.cancel()
	r.log.Info("room terminated", zap.String("reason", reason))
	if r.onTerminate != nil {
		r.onTerminate(r.roomCode)
	}
}
