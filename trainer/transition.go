// Package trainer pipelines episode collection across worker processes with
// one-batch-stale, double-buffered optimization.
package trainer

import (
	"gauntlet/game"
	"gauntlet/policy"
)

// Transition is one decision of one episode, as the optimizer sees it.
type Transition struct {
	State       []float32 `json:"state"`
	ActionIndex int       `json:"action_index"`
	NumActions  int       `json:"num_actions"`
	LogProb     float64   `json:"log_prob"`
	Value       float64   `json:"value"`
	Reward      float64   `json:"reward"`
}

// Episode is an ordered transition sequence, finalized with a terminal
// reward, plus the run's classification.
type Episode struct {
	RunIndex    int          `json:"run_index"`
	Seed        int64        `json:"seed"`
	Outcome     game.Outcome `json:"outcome"`
	Steps       int          `json:"steps"`
	Transitions []Transition `json:"transitions"`
}

// Reward returns the episode's total reward.
func (e Episode) Reward() float64 {
	total := 0.0
	for _, t := range e.Transitions {
		total += t.Reward
	}
	return total
}

// EpisodeFromRun converts a finished run's decision metadata into an
// episode, attaching the terminal reward to the final transition.
func EpisodeFromRun(result game.RunResult, decisions []policy.Decision, terminalReward float64) Episode {
	transitions := make([]Transition, len(decisions))
	for i, d := range decisions {
		transitions[i] = Transition{
			State:       d.State,
			ActionIndex: d.ActionIndex,
			NumActions:  d.NumActions,
			LogProb:     d.LogProb,
			Value:       d.Value,
		}
	}
	if len(transitions) > 0 {
		transitions[len(transitions)-1].Reward = terminalReward
	}
	return Episode{
		RunIndex:    result.RunIndex,
		Seed:        result.Seed,
		Outcome:     result.Outcome,
		Steps:       result.Steps,
		Transitions: transitions,
	}
}

// WorkerResult is the serializable bundle one worker process returns for one
// collect request. It is produced once and consumed once.
type WorkerResult struct {
	Episodes []Episode `json:"episodes"`
}

// EpisodeStats is what the trainer yields per collected episode, tagged with
// the optimization summary of the batch it belonged to.
type EpisodeStats struct {
	RunIndex int          `json:"run_index"`
	Seed     int64        `json:"seed"`
	Outcome  game.Outcome `json:"outcome"`
	Steps    int          `json:"steps"`
	Reward   float64      `json:"reward"`
	Batch    int          `json:"batch"`
	Update   *UpdateStats `json:"update,omitempty"`
}
