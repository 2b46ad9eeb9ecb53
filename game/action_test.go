package game

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type typedAction struct {
	Kind   string `json:"type"`
	Target string `json:"target,omitempty"`
}

func (a typedAction) ActionType() string { return a.Kind }

func TestCanonicalKey(t *testing.T) {
	t.Run("map payloads with different insertion order produce the same key", func(t *testing.T) {
		a := CandidateAction{Action: map[string]any{"type": "attack", "target": "p2", "dice": 3}}
		b := CandidateAction{Action: map[string]any{"dice": 3, "target": "p2", "type": "attack"}}

		require.Equal(t, a.CanonicalKey(), b.CanonicalKey(),
			"Key should not depend on map iteration order")
	})

	t.Run("struct and map payloads with the same fields produce the same key", func(t *testing.T) {
		a := CandidateAction{Action: typedAction{Kind: "attack", Target: "p2"}}
		b := CandidateAction{Action: map[string]any{"type": "attack", "target": "p2"}}

		require.Equal(t, a.CanonicalKey(), b.CanonicalKey(),
			"Struct payloads should normalize to the map representation")
	})

	t.Run("different payloads produce different keys", func(t *testing.T) {
		a := CandidateAction{Action: map[string]any{"type": "attack", "target": "p2"}}
		b := CandidateAction{Action: map[string]any{"type": "attack", "target": "p3"}}

		require.NotEqual(t, a.CanonicalKey(), b.CanonicalKey(),
			"Distinct actions should keep distinct keys")
	})
}

func TestType(t *testing.T) {
	t.Run("extracts the type tag from a map payload", func(t *testing.T) {
		c := CandidateAction{Action: map[string]any{"type": "end_turn"}}
		require.Equal(t, "end_turn", c.Type())
	})

	t.Run("extracts the type via the ActionType method", func(t *testing.T) {
		c := CandidateAction{Action: typedAction{Kind: "attack"}}
		require.Equal(t, "attack", c.Type())
	})

	t.Run("falls back to the serialized type field", func(t *testing.T) {
		type tagged struct {
			Type string `json:"type"`
		}
		c := CandidateAction{Action: tagged{Type: "play_card"}}
		require.Equal(t, "play_card", c.Type())
	})

	t.Run("returns empty for untagged payloads", func(t *testing.T) {
		c := CandidateAction{Action: map[string]any{"target": "p2"}}
		require.Equal(t, "", c.Type())
	})
}

func TestSortCandidates(t *testing.T) {
	t.Run("de-duplicates by canonical key and sorts", func(t *testing.T) {
		candidates := []CandidateAction{
			{Action: map[string]any{"type": "end_turn"}},
			{Action: map[string]any{"type": "attack", "target": "p2"}},
			{Action: map[string]any{"target": "p2", "type": "attack"}}, // duplicate
		}

		sorted := SortCandidates(candidates)

		require.Len(t, sorted, 2, "Duplicate keys should collapse to one candidate")
		for i := 1; i < len(sorted); i++ {
			require.Less(t, sorted[i-1].CanonicalKey(), sorted[i].CanonicalKey(),
				"Candidates should be ordered by canonical key")
		}
	})

	t.Run("sorted order is independent of input order", func(t *testing.T) {
		a := []CandidateAction{
			{Action: map[string]any{"type": "end_turn"}},
			{Action: map[string]any{"type": "play_card"}},
		}
		b := []CandidateAction{a[1], a[0]}

		require.Equal(t, SortCandidates(a), SortCandidates(b),
			"Enumeration order should not leak into the sorted candidate list")
	})
}

func TestFilterTypes(t *testing.T) {
	candidates := []CandidateAction{
		{Action: map[string]any{"type": "end_turn"}},
		{Action: map[string]any{"type": "undo"}},
		{Action: map[string]any{"type": "play_card"}},
	}

	t.Run("drops excluded types", func(t *testing.T) {
		kept := FilterTypes(candidates, []string{"undo"})
		require.Len(t, kept, 2)
		for _, c := range kept {
			require.NotEqual(t, "undo", c.Type(), "Excluded type should be filtered out")
		}
	})

	t.Run("keeps everything when nothing is excluded", func(t *testing.T) {
		require.Equal(t, candidates, FilterTypes(candidates, nil))
	})
}

func TestContainsKey(t *testing.T) {
	candidates := []CandidateAction{
		{Action: map[string]any{"type": "end_turn"}},
	}
	key := candidates[0].CanonicalKey()

	require.True(t, ContainsKey(candidates, key))
	require.False(t, ContainsKey(candidates, `{"type":"forged"}`),
		"A key outside the candidate set should not match")
}

func TestTypeSet(t *testing.T) {
	candidates := []CandidateAction{
		{Action: map[string]any{"type": "end_turn"}},
		{Action: map[string]any{"type": "attack", "target": "p2"}},
		{Action: map[string]any{"type": "attack", "target": "p3"}},
	}

	require.Equal(t, []string{"attack", "end_turn"}, TypeSet(candidates),
		"Types should be de-duplicated and sorted")
}
