package game

// Event types the runner inspects in state updates. Anything else passes
// through untouched.
const (
	EventActionRejected = "action_rejected"
	EventGameEnded      = "game_ended"
)

// Event is a typed game event carried by a state update.
type Event struct {
	Type       string `json:"type"`
	PlayerID   string `json:"player_id,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// RejectionFor reports whether the event rejects an action of the given type
// by the given player.
func (e Event) RejectionFor(playerID, actionType string) bool {
	return e.Type == EventActionRejected &&
		e.PlayerID == playerID &&
		e.ActionType == actionType
}
