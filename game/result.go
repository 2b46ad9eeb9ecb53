package game

// Outcome classifies how an episode terminated. Exactly one outcome applies
// to a run, chosen by the first satisfied condition in the runner's
// precedence order.
type Outcome string

const (
	// OutcomeEnded means an agent's snapshot or events signalled normal
	// game termination.
	OutcomeEnded Outcome = "ended"
	// OutcomeMaxSteps means the step budget ran out or a stall was detected.
	OutcomeMaxSteps Outcome = "max_steps"
	// OutcomeDisconnect means a transport or timeout failure.
	OutcomeDisconnect Outcome = "disconnect"
	// OutcomeProtocolError means the server reported an error message.
	OutcomeProtocolError Outcome = "protocol_error"
	// OutcomeInvariantFailure means state, candidate or action consistency
	// was violated.
	OutcomeInvariantFailure Outcome = "invariant_failure"
)

// Outcomes lists every defined outcome value.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeEnded,
		OutcomeMaxSteps,
		OutcomeDisconnect,
		OutcomeProtocolError,
		OutcomeInvariantFailure,
	}
}

// Failed reports whether the outcome designates a harness-detected failure.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeDisconnect, OutcomeProtocolError, OutcomeInvariantFailure:
		return true
	}
	return false
}

// RunResult is the terminal value of one episode. Failures never propagate
// out of an episode as errors; they are folded into the result.
type RunResult struct {
	RunIndex     int     `json:"run_index"`
	Seed         int64   `json:"seed"`
	Outcome      Outcome `json:"outcome"`
	Steps        int     `json:"steps"`
	GameID       string  `json:"game_id"`
	Reason       string  `json:"reason,omitempty"`
	Diagnostics  any     `json:"diagnostics,omitempty"`
	ArtifactPath string  `json:"artifact_path,omitempty"`
}

// Failed reports whether the outcome designates a failure for which a full
// artifact should be written.
func (r RunResult) Failed() bool { return r.Outcome.Failed() }
