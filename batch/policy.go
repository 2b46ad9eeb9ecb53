package batch

import (
	"context"

	"golang.org/x/exp/rand"

	"gauntlet/game"
	"gauntlet/policy"
)

// Encoder vectorizes snapshots and candidates for the model. The concrete
// featurization belongs to the game integration, not to the core.
type Encoder interface {
	EncodeState(s game.Snapshot, playerID string) []float32
	EncodeCandidate(s game.Snapshot, playerID string, c game.CandidateAction) []float32
}

// Policy adapts a shared Coordinator to the policy contract. Create one
// Policy per episode: the coordinator is shared and safe, but the decision
// metadata kept for training is per-episode state.
type Policy struct {
	coordinator *Coordinator
	encoder     Encoder
	last        policy.Decision
	hasLast     bool
}

func NewPolicy(c *Coordinator, encoder Encoder) *Policy {
	return &Policy{coordinator: c, encoder: encoder}
}

func (p *Policy) ChooseAction(ctx context.Context, state game.Snapshot, playerID string,
	candidates []game.CandidateAction, rng *rand.Rand) (*game.CandidateAction, error) {
	p.hasLast = false
	if len(candidates) == 0 {
		return nil, nil
	}

	step := EncodedStep{
		State:      p.encoder.EncodeState(state, playerID),
		Candidates: make([][]float32, len(candidates)),
	}
	for i, c := range candidates {
		step.Candidates[i] = p.encoder.EncodeCandidate(state, playerID, c)
	}

	decision, err := p.coordinator.Submit(ctx, step, rng)
	if err != nil {
		return nil, err
	}

	chosen := candidates[decision.Index]
	p.last = policy.Decision{
		Candidate:   &chosen,
		State:       step.State,
		ActionIndex: decision.Index,
		NumActions:  len(candidates),
		LogProb:     decision.LogProb,
		Value:       decision.Value,
	}
	p.hasLast = true
	return &chosen, nil
}

// LastDecision exposes the metadata of the most recent choice for transition
// accumulation.
func (p *Policy) LastDecision() (policy.Decision, bool) {
	return p.last, p.hasLast
}
