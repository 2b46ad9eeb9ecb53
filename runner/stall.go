package runner

import (
	"gauntlet/game"
)

// EndTurnActionType is the action-type tag the detector treats as closing a
// turn. A single turn can legitimately contain many sub-actions (combat,
// card plays) without resource change, so only turn-ending actions count
// toward stagnation.
const EndTurnActionType = "end_turn"

// DefaultStallThreshold is the number of consecutive no-change end-turns
// after which a stall is reported.
const DefaultStallThreshold = 20

// StallReport is the structured explanation attached to a detected stall.
type StallReport struct {
	Step           int            `json:"step"`
	Threshold      int            `json:"threshold"`
	StagnantTurns  map[string]int `json:"stagnant_turns"`
	Resources      map[string]int `json:"resources"`
	LastActionKey  string         `json:"last_action_key"`
	LastActionType string         `json:"last_action_type"`
}

type playerStall struct {
	lastResource  int
	seen          bool
	stagnantTurns int
}

// StallDetector flags non-terminating play loops. Per player it tracks a
// monotonically-informative resource counter (such as remaining draw-pile
// size) and a stagnant-turn counter that resets whenever the resource
// changes and increments only on end-turn actions.
type StallDetector struct {
	threshold  int
	allPlayers bool
	players    map[string]*playerStall
}

type StallOption func(*StallDetector)

// WithStallThreshold overrides the trigger threshold.
func WithStallThreshold(threshold int) StallOption {
	return func(d *StallDetector) {
		if threshold > 0 {
			d.threshold = threshold
		}
	}
}

// WithAllPlayers switches to the stricter mode that triggers only once every
// player's stagnant counter has reached the threshold simultaneously.
func WithAllPlayers() StallOption {
	return func(d *StallDetector) {
		d.allPlayers = true
	}
}

func NewStallDetector(options ...StallOption) *StallDetector {
	d := &StallDetector{
		threshold: DefaultStallThreshold,
		players:   map[string]*playerStall{},
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Observe feeds one accepted step into the detector and returns a non-nil
// report once stagnation reaches the threshold.
func (d *StallDetector) Observe(step int, playerID, actionKey, actionType string, s game.Snapshot) *StallReport {
	resources := s.Resources()

	// Any resource change resets that player's stagnation, no matter what
	// action caused it.
	changed := map[string]bool{}
	for id, counter := range resources {
		p := d.players[id]
		if p == nil {
			p = &playerStall{}
			d.players[id] = p
		}
		if !p.seen || p.lastResource != counter {
			p.lastResource = counter
			p.seen = true
			p.stagnantTurns = 0
			changed[id] = true
		}
	}

	// An end-turn that itself moved the counter is progress, not stagnation.
	if actionType == EndTurnActionType && !changed[playerID] {
		if p := d.players[playerID]; p != nil {
			p.stagnantTurns++
		}
	}

	if !d.triggered() {
		return nil
	}

	stagnant := make(map[string]int, len(d.players))
	for id, p := range d.players {
		stagnant[id] = p.stagnantTurns
	}
	return &StallReport{
		Step:           step,
		Threshold:      d.threshold,
		StagnantTurns:  stagnant,
		Resources:      resources,
		LastActionKey:  actionKey,
		LastActionType: actionType,
	}
}

func (d *StallDetector) triggered() bool {
	if len(d.players) == 0 {
		return false
	}
	if d.allPlayers {
		for _, p := range d.players {
			if p.stagnantTurns < d.threshold {
				return false
			}
		}
		return true
	}
	for _, p := range d.players {
		if p.stagnantTurns >= d.threshold {
			return true
		}
	}
	return false
}
