package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"gauntlet/game"
)

type fakeSnapshot struct{}

func (fakeSnapshot) CurrentActor() string      { return "p1" }
func (fakeSnapshot) TurnOrder() []string       { return []string{"p1", "p2"} }
func (fakeSnapshot) Terminal() bool            { return false }
func (fakeSnapshot) Mode() string              { return "action_phase" }
func (fakeSnapshot) Resources() map[string]int { return map[string]int{"p1": 1, "p2": 1} }

type fakeEncoder struct{}

func (fakeEncoder) EncodeState(game.Snapshot, string) []float32 {
	return []float32{0.25, 0.75}
}

func (fakeEncoder) EncodeCandidate(_ game.Snapshot, _ string, c game.CandidateAction) []float32 {
	if c.Type() == "end_turn" {
		return []float32{1}
	}
	return []float32{0}
}

func TestPolicyChooseAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(ctx, &fakeModel{})
	pol := NewPolicy(c, fakeEncoder{})
	rng := rand.New(rand.NewSource(1))

	candidates := []game.CandidateAction{
		{Action: map[string]any{"type": "attack", "target": "p2"}, Source: "rules"},
		{Action: map[string]any{"type": "end_turn"}, Source: "rules"},
	}

	t.Run("returns the candidate the model selected", func(t *testing.T) {
		chosen, err := pol.ChooseAction(context.Background(), fakeSnapshot{}, "p1", candidates, rng)

		require.NoError(t, err)
		require.NotNil(t, chosen)
		require.Equal(t, candidates[1].CanonicalKey(), chosen.CanonicalKey(),
			"The fake model always picks the last candidate")
	})

	t.Run("exposes the decision metadata for training", func(t *testing.T) {
		chosen, err := pol.ChooseAction(context.Background(), fakeSnapshot{}, "p1", candidates, rng)
		require.NoError(t, err)

		decision, ok := pol.LastDecision()
		require.True(t, ok, "A successful choice should leave metadata behind")
		require.Equal(t, chosen.CanonicalKey(), decision.Candidate.CanonicalKey())
		require.Equal(t, 1, decision.ActionIndex)
		require.Equal(t, 2, decision.NumActions)
		require.Equal(t, []float32{0.25, 0.75}, decision.State)
		require.Equal(t, -0.5, decision.LogProb)
		require.Equal(t, 1.0, decision.Value)
	})

	t.Run("declines when no candidates are offered", func(t *testing.T) {
		chosen, err := pol.ChooseAction(context.Background(), fakeSnapshot{}, "p1", nil, rng)

		require.NoError(t, err)
		require.Nil(t, chosen)
		_, ok := pol.LastDecision()
		require.False(t, ok, "A declined choice must not leave stale metadata")
	})
}
