package game

// TraceEntry records one decision of an episode. Entries are immutable and
// appended exactly once per decision; together they form the replay log.
type TraceEntry struct {
	Step            int    `json:"step"`
	PlayerID        string `json:"player_id"`
	Action          string `json:"action"` // canonical key
	Source          string `json:"source"`
	Mode            string `json:"mode"`
	CurrentPlayerID string `json:"current_player_id"`
}
