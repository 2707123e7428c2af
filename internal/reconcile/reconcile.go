// Package reconcile is the client half of the snapshot contract: it keeps an
// authoritative shadow of the room's world, predicts ahead with inputs the
// authority has not acknowledged yet, and folds the shadow and the
// predictions back together as acks arrive. Duplicate and out-of-order
// snapshots are tolerated; stale ticks are simply ignored.
package reconcile

import (
	"sort"

	"github.com/rubble-game/rubble-backend/internal/identity"
	"github.com/rubble-game/rubble-backend/internal/protocol"
	"github.com/rubble-game/rubble-backend/internal/sim"
)

type Predictor struct {
	user identity.UserID
	step float64

	hasState bool
	scene    sim.Scene
	tick     uint64
	bodies   map[int]sim.BodyState

	pending []protocol.Input
	view    *sim.World
}

// New builds a predictor stepping at the same fixed rate as the authority.
func New(user identity.UserID, tickHz int) *Predictor {
	return &Predictor{
		user:   user,
		step:   1.0 / float64(tickHz),
		bodies: make(map[int]sim.BodyState),
	}
}

// Record buffers a local input that has been sent but not yet acknowledged
// and applies its effect to the predicted view immediately.
func (p *Predictor) Record(in protocol.Input) {
	p.pending = append(p.pending, in)
	if p.view == nil {
		return
	}
	if cmd, ok := toCommand(in.Action); ok {
		p.view.Apply(cmd)
	}
}

// ApplySnapshot folds one authority snapshot into the shadow. Before the
// first keyframe arrives there is nothing to patch, so deltas are dropped;
// afterwards any snapshot, keyframe or delta, with a tick at or behind the
// shadow is a duplicate or a straggler and is ignored.
func (p *Predictor) ApplySnapshot(snap protocol.Snapshot) {
	if snap.Keyframe {
		// A keyframe behind the shadow is a straggler too; adopting it
		// would rewind authoritative state and replay pending inputs
		// against a world the authority has already moved past.
		if p.hasState && snap.Tick <= p.tick {
			return
		}
		scene, err := sim.ParseScene(snap.Scene)
		if err != nil {
			return
		}
		p.hasState = true
		p.scene = scene
		p.tick = snap.Tick
		p.bodies = make(map[int]sim.BodyState, len(snap.Bodies))
		for _, b := range snap.Bodies {
			p.bodies[b.ID] = b
		}
	} else {
		if !p.hasState || snap.Tick <= p.tick {
			return
		}
		p.tick = snap.Tick
		for _, b := range snap.Bodies {
			p.bodies[b.ID] = b
		}
		for _, id := range snap.Removed {
			delete(p.bodies, id)
		}
	}

	if ack, ok := snap.Acks[p.user.String()]; ok {
		p.dropAcked(ack)
	}
	p.rebuild()
}

// Step advances the predicted view by one fixed timestep, mirroring the
// authority's tick rate.
func (p *Predictor) Step() {
	if p.view != nil {
		p.view.Step(p.step)
	}
}

// Bodies is the predicted view to render. Nil until the first keyframe.
func (p *Predictor) Bodies() []sim.BodyState {
	if p.view == nil {
		return nil
	}
	return p.view.Bodies()
}

// Tick is the authoritative tick of the last snapshot folded in.
func (p *Predictor) Tick() uint64 { return p.tick }

// PendingInputs is how many local inputs still await acknowledgement.
func (p *Predictor) PendingInputs() int { return len(p.pending) }

func (p *Predictor) dropAcked(ack uint64) {
	kept := p.pending[:0]
	for _, in := range p.pending {
		if in.Seq > ack {
			kept = append(kept, in)
		}
	}
	p.pending = kept
}

// rebuild reconstitutes the predicted view: authoritative shadow first, then
// every still-unacknowledged input replayed on top.
func (p *Predictor) rebuild() {
	if !p.hasState {
		return
	}
	ids := make([]int, 0, len(p.bodies))
	for id := range p.bodies {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	bodies := make([]sim.BodyState, 0, len(ids))
	for _, id := range ids {
		bodies = append(bodies, p.bodies[id])
	}

	w := sim.Restore(p.scene, p.tick, bodies)
	for _, in := range p.pending {
		if cmd, ok := toCommand(in.Action); ok {
			w.Apply(cmd)
		}
	}
	p.view = w
}

func toCommand(a protocol.Action) (sim.Command, bool) {
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
