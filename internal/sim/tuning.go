package sim

// Tuning constants for the box world. Geometry mirrors the arena the client
// renders: the floor is a slab centered on x=0, everything below KillY is
// swallowed by the kill sensor.

const (
	GravityY = -0.981

	GroundHalfW = 0.4
	GroundHalfH = 0.05
	GroundY     = -0.5

	// FloorTop is the resting height for a body's bottom edge.
	FloorTop = GroundY + GroundHalfH

	// KillY removes anything that falls past it.
	KillY = -0.75

	// BoxRad is the half extent of a standard scene box.
	BoxRad = 0.025

	// SceneRows controls how tall the generated stacks are.
	SceneRows = 9

	// WorldBound clamps command coordinates; anything outside is malformed.
	WorldBound = 4.0

	groundFriction = 0.8
	contactDamping = 0.5

	grabRadius = 0.1
	moveGain   = 10.0

	sleepVel   = 0.002
	sleepAfter = 30

	solverIterations = 4
)
