package game

// Snapshot is the read contract the harness needs from an engine state. The
// concrete state object belongs to the external rule engine; the orchestration
// core only ever inspects whose turn it is, the seating order, the per-player
// resource counters and whether the game is over.
type Snapshot interface {
	// CurrentActor returns the identifier of the player the server believes
	// should act next.
	CurrentActor() string
	// TurnOrder returns the seating order. Must be non-empty with no
	// duplicates for a well-formed state.
	TurnOrder() []string
	// Terminal reports whether the game has ended.
	Terminal() bool
	// Mode names the current decision phase (e.g. "action_phase").
	Mode() string
	// Resources returns a monotonically-informative counter per player,
	// such as the remaining draw-pile size. Used for stall detection.
	Resources() map[string]int
}

// ActionEnumerator lists the actions a player may legally take in a given
// snapshot. Implementations must be stateless given the snapshot: two calls
// with the same arguments return the same set (order may differ).
type ActionEnumerator interface {
	Enumerate(s Snapshot, playerID string) []CandidateAction
}
