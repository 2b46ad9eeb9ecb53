package runner

import (
	"fmt"

	"gauntlet/game"
)

// InvariantTracker validates that consecutive snapshots remain internally
// consistent. It keeps only the latest accepted snapshot, is owned by exactly
// one runner and needs no locking.
type InvariantTracker struct {
	previous game.Snapshot
}

func NewInvariantTracker() *InvariantTracker {
	return &InvariantTracker{}
}

// Check validates the snapshot against the structural invariants and against
// the previously accepted snapshot. A nil return accepts the snapshot and
// stores it for the next comparison. The current actor must be explainable by
// a turn order the tracker has seen: absence from both the old and the new
// order signals corrupted state propagation rather than a legal rotation.
func (t *InvariantTracker) Check(s game.Snapshot) error {
	order := s.TurnOrder()
	if len(order) == 0 {
		return fmt.Errorf("turn order is missing or empty")
	}

	inNew := make(map[string]bool, len(order))
	for _, id := range order {
		if inNew[id] {
			return fmt.Errorf("turn order has duplicate player %q", id)
		}
		inNew[id] = true
	}

	actor := s.CurrentActor()
	if !inNew[actor] {
		inOld := false
		if t.previous != nil {
			for _, id := range t.previous.TurnOrder() {
				if id == actor {
					inOld = true
					break
				}
			}
		}
		if t.previous != nil && !inOld {
			return fmt.Errorf("current actor %q is in neither the previous nor the new turn order", actor)
		}
		return fmt.Errorf("current actor %q is not in turn order %v", actor, order)
	}

	t.previous = s
	return nil
}
