package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSnapshot is a minimal snapshot for tracker and detector tests.
type fakeSnapshot struct {
	actor     string
	order     []string
	over      bool
	mode      string
	resources map[string]int
}

func (s fakeSnapshot) CurrentActor() string      { return s.actor }
func (s fakeSnapshot) TurnOrder() []string       { return s.order }
func (s fakeSnapshot) Terminal() bool            { return s.over }
func (s fakeSnapshot) Mode() string              { return s.mode }
func (s fakeSnapshot) Resources() map[string]int { return s.resources }

func TestInvariantTrackerCheck(t *testing.T) {
	t.Run("accepts a consistent snapshot", func(t *testing.T) {
		tracker := NewInvariantTracker()

		err := tracker.Check(fakeSnapshot{actor: "p1", order: []string{"p1", "p2"}})

		require.NoError(t, err, "Consistent snapshot should pass")
	})

	t.Run("rejects an empty turn order", func(t *testing.T) {
		tracker := NewInvariantTracker()

		err := tracker.Check(fakeSnapshot{actor: "p1"})

		require.Error(t, err)
		require.Contains(t, err.Error(), "turn order")
	})

	t.Run("rejects duplicate players in the turn order", func(t *testing.T) {
		tracker := NewInvariantTracker()

		err := tracker.Check(fakeSnapshot{actor: "p1", order: []string{"p1", "p2", "p1"}})

		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate")
	})

	t.Run("rejects an actor outside the turn order", func(t *testing.T) {
		tracker := NewInvariantTracker()

		err := tracker.Check(fakeSnapshot{actor: "ghost", order: []string{"p1", "p2"}})

		require.Error(t, err)
		require.Contains(t, err.Error(), `"ghost"`)
	})

	t.Run("reports when the actor is in neither the old nor the new order", func(t *testing.T) {
		tracker := NewInvariantTracker()
		require.NoError(t, tracker.Check(fakeSnapshot{actor: "p1", order: []string{"p1", "p2"}}))

		err := tracker.Check(fakeSnapshot{actor: "ghost", order: []string{"p1", "p2"}})

		require.Error(t, err)
		require.Contains(t, err.Error(), "neither",
			"An actor unknown to both orders should be flagged as corrupted propagation")
	})

	t.Run("an actor dropped from the order but present previously still fails", func(t *testing.T) {
		tracker := NewInvariantTracker()
		require.NoError(t, tracker.Check(fakeSnapshot{actor: "p2", order: []string{"p1", "p2"}}))

		err := tracker.Check(fakeSnapshot{actor: "p2", order: []string{"p1"}})

		require.Error(t, err, "Actor must be in the current turn order")
		require.NotContains(t, err.Error(), "neither",
			"A legal-rotation style message applies when the previous order explains the actor")
	})

	t.Run("rejected snapshots are not kept as the comparison baseline", func(t *testing.T) {
		tracker := NewInvariantTracker()
		require.NoError(t, tracker.Check(fakeSnapshot{actor: "p1", order: []string{"p1", "p2"}}))
		require.Error(t, tracker.Check(fakeSnapshot{actor: "p1", order: []string{"p1", "p1"}}))

		// The duplicate-order snapshot must not have replaced the baseline.
		err := tracker.Check(fakeSnapshot{actor: "p2", order: []string{"p1", "p2"}})
		require.NoError(t, err)
	})
}
