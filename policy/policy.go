// Package policy defines how an episode picks among legal actions.
package policy

import (
	"context"

	"golang.org/x/exp/rand"

	"gauntlet/game"
)

// Policy chooses one of the offered candidates. Candidates arrive
// de-duplicated and sorted by canonical key, so a deterministic policy plus a
// seeded RNG reproduces the same play for the same seed. Returning a nil
// candidate means the policy declines to choose.
type Policy interface {
	ChooseAction(ctx context.Context, state game.Snapshot, playerID string,
		candidates []game.CandidateAction, rng *rand.Rand) (*game.CandidateAction, error)
}

// Decision carries the learning metadata of one choice for policies that
// expose it.
type Decision struct {
	Candidate   *game.CandidateAction
	State       []float32
	ActionIndex int
	NumActions  int
	LogProb     float64
	Value       float64
}

// Traced is implemented by policies whose decisions feed training. The runner
// type-asserts for it and accumulates transitions when present.
type Traced interface {
	Policy
	// LastDecision returns the metadata of the most recent ChooseAction
	// call, and whether any is available.
	LastDecision() (Decision, bool)
}

// Random picks uniformly among the sorted candidates using the episode RNG.
// It is the baseline fuzzing policy.
type Random struct{}

func NewRandom() Random { return Random{} }

func (Random) ChooseAction(_ context.Context, _ game.Snapshot, _ string,
	candidates []game.CandidateAction, rng *rand.Rand) (*game.CandidateAction, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	chosen := candidates[rng.Intn(len(candidates))]
	return &chosen, nil
}
