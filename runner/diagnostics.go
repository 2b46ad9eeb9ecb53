package runner

import (
	"fmt"
	"strings"

	"gauntlet/game"
)

// AgentDiagnostic is the structured snapshot of one agent's situation,
// assembled when an episode times out.
type AgentDiagnostic struct {
	Seat             string   `json:"seat"`
	HasState         bool     `json:"has_state"`
	Mode             string   `json:"mode,omitempty"`
	CurrentActor     string   `json:"current_actor,omitempty"`
	RawCandidates    int      `json:"raw_candidates"`
	PlayableCount    int      `json:"playable_candidates"` // after undo filtering
	CandidateTypes   []string `json:"candidate_types,omitempty"`
	IsCurrent        bool     `json:"is_current"`
	CanAct           bool     `json:"can_act"`
	LastTransportErr string   `json:"last_transport_error,omitempty"`
	LastInvariantErr string   `json:"last_invariant_error,omitempty"`
}

// Diagnostics bundles all agents' situations, both as structured records for
// artifacts and as one compact log line.
type Diagnostics struct {
	Agents []AgentDiagnostic `json:"agents"`
}

// Line renders all agents joined by a separator, for a single log line.
func (d Diagnostics) Line() string {
	parts := make([]string, len(d.Agents))
	for i, a := range d.Agents {
		parts[i] = a.line()
	}
	return strings.Join(parts, " | ")
}

func (a AgentDiagnostic) line() string {
	if !a.HasState {
		return fmt.Sprintf("%s: state=missing transport_err=%q", a.Seat, a.LastTransportErr)
	}
	return fmt.Sprintf("%s: mode=%s actor=%s candidates=%d/%d types=%v current=%t can_act=%t transport_err=%q invariant_err=%q",
		a.Seat, a.Mode, a.CurrentActor, a.PlayableCount, a.RawCandidates,
		a.CandidateTypes, a.IsCurrent, a.CanAct, a.LastTransportErr, a.LastInvariantErr)
}

// diagnose assembles diagnostics for every seat of the runner.
func (r *Runner) diagnose() Diagnostics {
	d := Diagnostics{Agents: make([]AgentDiagnostic, 0, len(r.seats))}
	for _, seat := range r.seats {
		a := AgentDiagnostic{Seat: seat.id}
		if seat.lastTransportErr != "" {
			a.LastTransportErr = seat.lastTransportErr
		}
		if seat.lastInvariantErr != nil {
			a.LastInvariantErr = seat.lastInvariantErr.Error()
		}
		if seat.snapshot == nil {
			d.Agents = append(d.Agents, a)
			continue
		}

		raw := r.enumerator.Enumerate(seat.snapshot, seat.id)
		playable := game.FilterTypes(raw, r.cfg.ExcludeActionTypes)
		a.HasState = true
		a.Mode = seat.snapshot.Mode()
		a.CurrentActor = seat.snapshot.CurrentActor()
		a.RawCandidates = len(raw)
		a.PlayableCount = len(playable)
		a.CandidateTypes = game.TypeSet(raw)
		a.IsCurrent = seat.snapshot.CurrentActor() == seat.id
		a.CanAct = len(playable) > 0
		d.Agents = append(d.Agents, a)
	}
	return d
}
