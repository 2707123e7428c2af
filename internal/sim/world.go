package sim

import (
	"errors"
	"math"
)

// ErrDiverged reports that a step produced a non-finite coordinate. The
// world is unusable afterwards; the owning room must terminate.
var ErrDiverged = errors.New("simulation diverged")

type CommandType string

const (
	CmdRemove CommandType = "remove"
	CmdDrop   CommandType = "drop"
	CmdMove   CommandType = "move"
)

// Command is one player action aimed at a world position.
type Command struct {
	Type CommandType
	X, Y float64
}

// BodyState is the externally visible view of one dynamic body. It doubles
// as the wire representation inside snapshots.
type BodyState struct {
	ID     int     `json:"id" msgpack:"id"`
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	VX     float64 `json:"vx" msgpack:"vx"`
	VY     float64 `json:"vy" msgpack:"vy"`
	W      float64 `json:"w" msgpack:"w"`
	H      float64 `json:"h" msgpack:"h"`
	Asleep bool    `json:"asleep,omitempty" msgpack:"asleep,omitempty"`
}

type body struct {
	id           int
	x, y, vx, vy float64
	hw, hh       float64
	stillFor     int
	asleep       bool
}

// World is a deterministic fixed-timestep box world. It is a resource owned
// exclusively by one room; nothing here is safe for concurrent use.
type World struct {
	scene  Scene
	tick   uint64
	bodies []*body // insertion order, never reordered: iteration order is part of determinism
	nextID int
	err    error
}

// NewWorld builds the chosen scene resting on the floor.
func NewWorld(scene Scene) *World {
	w := &World{scene: scene, nextID: 1}
	for _, b := range buildScene(scene) {
		bb := b
		bb.id = w.nextID
		w.nextID++
		w.bodies = append(w.bodies, &bb)
	}
	return w
}

// Restore rebuilds a world from a snapshot, for reconnect resync and client
// prediction.
func Restore(scene Scene, tick uint64, bodies []BodyState) *World {
	w := &World{scene: scene, tick: tick, nextID: 1}
	for _, s := range bodies {
		w.bodies = append(w.bodies, &body{
			id: s.ID, x: s.X, y: s.Y, vx: s.VX, vy: s.VY,
			hw: s.W, hh: s.H, asleep: s.Asleep,
		})
		if s.ID >= w.nextID {
			w.nextID = s.ID + 1
		}
	}
	return w
}

func (w *World) Scene() Scene { return w.scene }
func (w *World) Tick() uint64 { return w.tick }
func (w *World) Err() error   { return w.err }

// Cleared reports that no dynamic bodies remain.
func (w *World) Cleared() bool { return len(w.bodies) == 0 }

// Bodies returns a stable-order snapshot of all dynamic bodies.
func (w *World) Bodies() []BodyState {
	out := make([]BodyState, 0, len(w.bodies))
	for _, b := range w.bodies {
		out = append(out, BodyState{
			ID: b.id, X: b.x, Y: b.y, VX: b.vx, VY: b.vy,
			W: b.hw, H: b.hh, Asleep: b.asleep,
		})
	}
	return out
}

// Validate reports whether a command is well-formed. Malformed commands are
// dropped by the caller without disturbing the sender.
func (cmd Command) Validate() bool {
	switch cmd.Type {
	case CmdRemove, CmdDrop, CmdMove:
	default:
		return false
	}
	if math.IsNaN(cmd.X) || math.IsInf(cmd.X, 0) || math.IsNaN(cmd.Y) || math.IsInf(cmd.Y, 0) {
		return false
	}
	return math.Abs(cmd.X) <= WorldBound && math.Abs(cmd.Y) <= WorldBound
}

// Apply mutates the world with one accepted command and reports whether
// anything changed. Commands must already be validated.
func (w *World) Apply(cmd Command) bool {
	if w.err != nil {
		return false
	}
	switch cmd.Type {
	case CmdRemove:
		b := w.bodyAt(cmd.X, cmd.Y)
		if b == nil {
			return false
		}
		w.remove(b.id)
		w.wakeAll()
		return true

	case CmdDrop:
		w.bodies = append(w.bodies, &body{
			id: w.nextID, x: cmd.X, y: cmd.Y, hw: BoxRad, hh: BoxRad,
		})
		w.nextID++
		w.wakeAll()
		return true

	case CmdMove:
		b := w.nearestWithin(cmd.X, cmd.Y, grabRadius)
		if b == nil {
			return false
		}
		b.vx = (cmd.X - b.x) * moveGain
		b.vy = (cmd.Y - b.y) * moveGain
		w.wakeAll()
		return true
	}
	return false
}

// Step advances the world by exactly one fixed timestep. It either fully
// completes or flags the world as diverged; it never partially applies.
func (w *World) Step(dt float64) {
	if w.err != nil {
		return
	}
	w.tick++

	for _, b := range w.bodies {
		if b.asleep {
			continue
		}
		b.vy += GravityY * dt
		b.x += b.vx * dt
		b.y += b.vy * dt
	}

	// Non-finite state must be caught before the solver runs: the floor
	// clamp would silently rewrite an infinite coordinate into a legal one.
	for _, b := range w.bodies {
		if !finite(b.x) || !finite(b.y) || !finite(b.vx) || !finite(b.vy) {
			w.err = ErrDiverged
			return
		}
	}

	for i := 0; i < solverIterations; i++ {
		w.resolveFloor()
		w.resolvePairs()
	}

	w.applyKillSensor()
	w.updateSleep()

	for _, b := range w.bodies {
		if !finite(b.x) || !finite(b.y) || !finite(b.vx) || !finite(b.vy) {
			w.err = ErrDiverged
			return
		}
	}
}

func (w *World) resolveFloor() {
	for _, b := range w.bodies {
		if b.asleep {
			continue
		}
		overFloor := b.x+b.hw > -GroundHalfW && b.x-b.hw < GroundHalfW
		if overFloor && b.y-b.hh < FloorTop && b.vy <= 0 {
			b.y = FloorTop + b.hh
			b.vy = 0
			b.vx *= groundFriction
		}
	}
}

func (w *World) resolvePairs() {
	for i := 0; i < len(w.bodies); i++ {
		for j := i + 1; j < len(w.bodies); j++ {
			a, b := w.bodies[i], w.bodies[j]
			if a.asleep && b.asleep {
				continue
			}
			dx := b.x - a.x
			dy := b.y - a.y
			px := a.hw + b.hw - math.Abs(dx)
			py := a.hh + b.hh - math.Abs(dy)
			if px <= 0 || py <= 0 {
				continue
			}
			if py < px {
				// Vertical contact: lift the upper body onto the lower one.
				upper, lower := a, b
				if b.y > a.y {
					upper, lower = b, a
				}
				upper.y = lower.y + lower.hh + upper.hh
				if upper.vy < 0 {
					upper.vy = 0
				}
				upper.vx *= groundFriction
			} else {
				shift := px / 2
				if dx < 0 {
					shift = -shift
				}
				a.x -= shift
				b.x += shift
				a.vx *= contactDamping
				b.vx *= contactDamping
			}
		}
	}
}

func (w *World) applyKillSensor() {
	removed := false
	kept := w.bodies[:0]
	for _, b := range w.bodies {
		if b.y+b.hh < KillY {
			removed = true
			continue
		}
		kept = append(kept, b)
	}
	w.bodies = kept
	if removed {
		// Support may have vanished; let the stack settle again.
		w.wakeAll()
	}
}

func (w *World) updateSleep() {
	for _, b := range w.bodies {
		if b.asleep {
			continue
		}
		if math.Abs(b.vx) < sleepVel && math.Abs(b.vy) < sleepVel {
			b.stillFor++
			if b.stillFor >= sleepAfter {
				b.asleep = true
			}
		} else {
			b.stillFor = 0
		}
	}
}

func (w *World) wakeAll() {
	for _, b := range w.bodies {
		b.asleep = false
		b.stillFor = 0
	}
}

// bodyAt returns the topmost body containing the point.
func (w *World) bodyAt(x, y float64) *body {
	var found *body
	for _, b := range w.bodies {
		if math.Abs(x-b.x) <= b.hw && math.Abs(y-b.y) <= b.hh {
			if found == nil || b.y > found.y {
				found = b
			}
		}
	}
	return found
}

func (w *World) nearestWithin(x, y, radius float64) *body {
	var found *body
	best := radius
	for _, b := range w.bodies {
		d := math.Hypot(x-b.x, y-b.y)
		if d <= best {
			best = d
			found = b
		}
	}
	return found
}

func (w *World) remove(id int) {
	kept := w.bodies[:0]
	for _, b := range w.bodies {
		if b.id != id {
			kept = append(kept, b)
		}
	}
	w.bodies = kept
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
