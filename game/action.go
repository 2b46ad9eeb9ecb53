package game

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CandidateAction is a legal move offered at a decision point. The payload is
// opaque to the orchestration core; only its canonical key is inspected.
type CandidateAction struct {
	Action any    `json:"action"`
	Source string `json:"source"`
}

// CanonicalKey returns a deterministic, order-independent serialization of
// the action payload. Two payloads that differ only in map iteration order or
// in struct vs map representation produce the same key, so keys are safe for
// equality, sorting and de-duplication across process boundaries.
func (c CandidateAction) CanonicalKey() string {
	raw, err := json.Marshal(c.Action)
	if err != nil {
		return fmt.Sprintf("unencodable:%#v", c.Action)
	}

	// Round-trip through any so struct payloads normalize to maps, whose
	// keys encoding/json emits in sorted order.
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return string(raw)
	}
	key, err := json.Marshal(normalized)
	if err != nil {
		return string(raw)
	}
	return string(key)
}

// Type extracts the action-type tag from the payload, or "" when the payload
// carries none.
func (c CandidateAction) Type() string {
	switch action := c.Action.(type) {
	case map[string]any:
		if t, ok := action["type"].(string); ok {
			return t
		}
	case interface{ ActionType() string }:
		return action.ActionType()
	}

	raw, err := json.Marshal(c.Action)
	if err != nil {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	if t, ok := fields["type"].(string); ok {
		return t
	}
	return ""
}

// SortCandidates de-duplicates candidates by canonical key and returns them
// sorted by key. Policies always see this order, so a seeded RNG produces the
// same play regardless of the enumerator's internal iteration order.
func SortCandidates(candidates []CandidateAction) []CandidateAction {
	byKey := make(map[string]CandidateAction, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := c.CanonicalKey()
		if _, seen := byKey[key]; seen {
			continue
		}
		byKey[key] = c
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sorted := make([]CandidateAction, len(keys))
	for i, key := range keys {
		sorted[i] = byKey[key]
	}
	return sorted
}

// FilterTypes returns the candidates whose action type is not in excluded.
func FilterTypes(candidates []CandidateAction, excluded []string) []CandidateAction {
	if len(excluded) == 0 {
		return candidates
	}
	kept := make([]CandidateAction, 0, len(candidates))
	for _, c := range candidates {
		drop := false
		for _, t := range excluded {
			if c.Type() == t {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, c)
		}
	}
	return kept
}

// ContainsKey reports whether any candidate has the given canonical key.
func ContainsKey(candidates []CandidateAction, key string) bool {
	for _, c := range candidates {
		if c.CanonicalKey() == key {
			return true
		}
	}
	return false
}

// TypeSet returns the sorted set of action types present in candidates.
func TypeSet(candidates []CandidateAction) []string {
	seen := map[string]bool{}
	types := []string{}
	for _, c := range candidates {
		t := c.Type()
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
