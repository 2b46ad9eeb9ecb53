// Package runner drives one game episode end-to-end against a server: it
// resolves whose turn it is, requests candidates from the enumerator, asks a
// policy to choose, sends the action and classifies the eventual outcome.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"

	"gauntlet/artifact"
	"gauntlet/game"
	"gauntlet/policy"
	"gauntlet/transport"
)

// Config bounds one episode.
type Config struct {
	// MaxSteps is the decision budget; exhausting it yields max_steps.
	MaxSteps int
	// UpdateTimeout bounds every wait on an external update; exceeding it
	// reclassifies the episode as disconnect.
	UpdateTimeout time.Duration
	// StallThreshold and StallAllPlayers configure the stall detector.
	StallThreshold  int
	StallAllPlayers bool
	// ExcludeActionTypes are filtered out of play (undo actions typically).
	ExcludeActionTypes []string
	// ForceArtifact writes a full artifact even for non-failure outcomes.
	ForceArtifact bool
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 400
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = 10 * time.Second
	}
	if c.ExcludeActionTypes == nil {
		c.ExcludeActionTypes = []string{"undo"}
	}
	return c
}

// Seat binds one player identifier to its transport connection.
type Seat struct {
	ID        string
	Transport transport.Transport
}

type seatState struct {
	id               string
	tr               transport.Transport
	snapshot         game.Snapshot
	updateCount      int
	lastTransportErr string
	lastInvariantErr error
}

type seatUpdate struct {
	seat int
	msg  *transport.Message
	conn *transport.ConnEvent
}

// pendingAction is the action whose acknowledgement the runner is awaiting.
type pendingAction struct {
	playerID   string
	actionType string
}

// Runner owns one episode: its seats, invariant tracker, stall detector and
// replay trace. It must not be shared across episodes.
type Runner struct {
	cfg        Config
	runIndex   int
	seed       int64
	seats      []*seatState
	enumerator game.ActionEnumerator
	pol        policy.Policy
	rng        *rand.Rand

	tracker *InvariantTracker
	stall   *StallDetector

	updates chan seatUpdate
	done    chan struct{}

	gameID      string
	trace       []game.TraceEntry
	msgLog      []artifact.Message
	decisions   []policy.Decision
	terminal    bool
	protocolMsg *transport.Message
	rejection   *game.Event
	pending     *pendingAction

	summaries *artifact.SummaryWriter
	artifacts *artifact.Writer
}

type Option func(*Runner)

// WithSummaryWriter appends one NDJSON record per run.
func WithSummaryWriter(w *artifact.SummaryWriter) Option {
	return func(r *Runner) { r.summaries = w }
}

// WithArtifactWriter stores full artifacts for failed (or forced) runs.
func WithArtifactWriter(w *artifact.Writer) Option {
	return func(r *Runner) { r.artifacts = w }
}

// New builds a runner for a single episode. runIndex and seed identify the
// run; the seed is the sole source of determinism.
func New(cfg Config, runIndex int, seed int64, seats []Seat,
	enumerator game.ActionEnumerator, pol policy.Policy, options ...Option) *Runner {
	cfg = cfg.withDefaults()

	stallOptions := []StallOption{}
	if cfg.StallThreshold > 0 {
		stallOptions = append(stallOptions, WithStallThreshold(cfg.StallThreshold))
	}
	if cfg.StallAllPlayers {
		stallOptions = append(stallOptions, WithAllPlayers())
	}

	r := &Runner{
		cfg:        cfg,
		runIndex:   runIndex,
		seed:       seed,
		enumerator: enumerator,
		pol:        pol,
		rng:        rand.New(rand.NewSource(uint64(seed))),
		tracker:    NewInvariantTracker(),
		stall:      NewStallDetector(stallOptions...),
		updates:    make(chan seatUpdate, 16),
		done:       make(chan struct{}),
	}
	for _, s := range seats {
		r.seats = append(r.seats, &seatState{id: s.ID, tr: s.Transport})
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Trace returns the episode's replay log.
func (r *Runner) Trace() []game.TraceEntry { return r.trace }

// Decisions returns the learning metadata accumulated from a Traced policy,
// one entry per accepted step, in order.
func (r *Runner) Decisions() []policy.Decision { return r.decisions }

// Run drives the episode to its terminal outcome. Failures never escape as
// errors; every run produces exactly one classified result.
func (r *Runner) Run(ctx context.Context) game.RunResult {
	result := r.run(ctx)
	result.RunIndex = r.runIndex
	result.Seed = r.seed
	result.GameID = r.gameID

	close(r.done)
	for _, s := range r.seats {
		if err := s.tr.Close(); err != nil {
			log.Debug().Err(err).Str("seat", s.id).Msg("transport close failed")
		}
	}

	r.persist(&result)

	log.Info().
		Int("run_index", r.runIndex).
		Int64("seed", r.seed).
		Str("outcome", string(result.Outcome)).
		Int("steps", result.Steps).
		Str("reason", result.Reason).
		Msg("episode finished")
	return result
}

func (r *Runner) run(ctx context.Context) game.RunResult {
	for i, s := range r.seats {
		if err := s.tr.Connect(ctx); err != nil {
			s.lastTransportErr = err.Error()
			return game.RunResult{
				Outcome:     game.OutcomeDisconnect,
				Reason:      fmt.Sprintf("seat %s failed to connect: %v", s.id, err),
				Diagnostics: r.diagnose(),
			}
		}
		r.watchSeat(i, s)
	}

	if res, ok := r.awaitInitialState(ctx); !ok {
		return res
	}

	steps := 0
	for step := 1; step <= r.cfg.MaxSteps; step++ {
		res, done := r.step(ctx, step, &steps)
		if done {
			res.Steps = steps
			return res
		}
	}
	return game.RunResult{
		Outcome: game.OutcomeMaxSteps,
		Steps:   steps,
		Reason:  fmt.Sprintf("step budget of %d exhausted", r.cfg.MaxSteps),
	}
}

// step performs one ResolveActor→AwaitCandidates→SelectAction→SendAction→
// AwaitUpdate→Classify cycle. It reports done=true with the terminal result
// once any outcome condition is met.
func (r *Runner) step(ctx context.Context, step int, steps *int) (game.RunResult, bool) {
	seatIdx, candidates, res, ok := r.resolveActor(ctx)
	if !ok {
		return res, true
	}
	s := r.seats[seatIdx]

	// Invariant violations observed before acting outrank everything.
	if err := r.tracker.Check(s.snapshot); err != nil {
		s.lastInvariantErr = err
		return game.RunResult{
			Outcome:     game.OutcomeInvariantFailure,
			Reason:      fmt.Sprintf("snapshot invariant violated: %v", err),
			Diagnostics: r.diagnose(),
		}, true
	}

	choice, err := r.pol.ChooseAction(ctx, s.snapshot, s.id, candidates, r.rng)
	if err != nil {
		return game.RunResult{
			Outcome: game.OutcomeDisconnect,
			Reason:  fmt.Sprintf("policy unavailable: %v", err),
		}, true
	}
	if choice == nil {
		// A declining policy falls back to the first sorted candidate so
		// the episode keeps making progress deterministically.
		choice = &candidates[0]
	}

	key := choice.CanonicalKey()
	if !game.ContainsKey(candidates, key) {
		return game.RunResult{
			Outcome: game.OutcomeInvariantFailure,
			Reason:  fmt.Sprintf("policy returned action %s absent from the offered candidate set", key),
		}, true
	}

	if traced, ok := r.pol.(policy.Traced); ok {
		if d, ok := traced.LastDecision(); ok {
			r.decisions = append(r.decisions, d)
		}
	}
	r.trace = append(r.trace, game.TraceEntry{
		Step:            step,
		PlayerID:        s.id,
		Action:          key,
		Source:          choice.Source,
		Mode:            s.snapshot.Mode(),
		CurrentPlayerID: s.snapshot.CurrentActor(),
	})

	actionType := choice.Type()
	r.pending = &pendingAction{playerID: s.id, actionType: actionType}
	if err := s.tr.SendAction(ctx, choice.Action); err != nil {
		s.lastTransportErr = err.Error()
		return game.RunResult{
			Outcome:     game.OutcomeDisconnect,
			Reason:      fmt.Sprintf("failed to send action: %v", err),
			Diagnostics: r.diagnose(),
		}, true
	}

	res, ok = r.awaitAck(ctx, seatIdx)
	r.pending = nil
	if !ok {
		return res, true
	}
	*steps = step

	// Classify, in precedence order, everything the update revealed.
	if r.protocolMsg != nil {
		return game.RunResult{
			Outcome: game.OutcomeProtocolError,
			Reason:  fmt.Sprintf("server error %s: %s", r.protocolMsg.Code, r.protocolMsg.Text),
		}, true
	}
	if r.rejection != nil {
		return game.RunResult{
			Outcome: game.OutcomeInvariantFailure,
			Reason: fmt.Sprintf("server rejected action type %q by %s despite it being advertised as legal",
				r.rejection.ActionType, r.rejection.PlayerID),
			Diagnostics: r.diagnose(),
		}, true
	}
	if report := r.stall.Observe(step, s.id, key, actionType, s.snapshot); report != nil {
		return game.RunResult{
			Outcome:     game.OutcomeMaxSteps,
			Reason:      "stall detected",
			Diagnostics: report,
		}, true
	}
	if r.terminal {
		return game.RunResult{Outcome: game.OutcomeEnded}, true
	}
	return game.RunResult{}, false
}

// watchSeat fans the seat's message and lifecycle channels into the runner's
// single update channel.
func (r *Runner) watchSeat(idx int, s *seatState) {
	go func() {
		for msg := range s.tr.Messages() {
			m := msg
			select {
			case r.updates <- seatUpdate{seat: idx, msg: &m}:
			case <-r.done:
				return
			}
		}
	}()
	go func() {
		for ev := range s.tr.Lifecycle() {
			e := ev
			select {
			case r.updates <- seatUpdate{seat: idx, conn: &e}:
			case <-r.done:
				return
			}
		}
	}()
}

// awaitInitialState blocks until every seat has received its first snapshot.
func (r *Runner) awaitInitialState(ctx context.Context) (game.RunResult, bool) {
	deadline := time.Now().Add(r.cfg.UpdateTimeout)
	for {
		ready := true
		for _, s := range r.seats {
			if s.snapshot == nil {
				ready = false
				break
			}
		}
		if ready {
			return game.RunResult{}, true
		}

		res, ok := r.nextUpdate(ctx, deadline, "awaiting initial state")
		if !ok {
			return res, false
		}
	}
}

// resolveActor finds the next agent to act: preferably the snapshot's current
// actor with at least one playable candidate, otherwise any agent with one
// (interstitial phases where a non-current player must act). It waits,
// bounded by the update timeout, when nobody qualifies yet.
func (r *Runner) resolveActor(ctx context.Context) (int, []game.CandidateAction, game.RunResult, bool) {
	deadline := time.Now().Add(r.cfg.UpdateTimeout)
	for {
		if r.protocolMsg != nil {
			return 0, nil, game.RunResult{
				Outcome: game.OutcomeProtocolError,
				Reason:  fmt.Sprintf("server error %s: %s", r.protocolMsg.Code, r.protocolMsg.Text),
			}, false
		}
		if r.terminal {
			return 0, nil, game.RunResult{Outcome: game.OutcomeEnded}, false
		}

		fallback := -1
		var fallbackCandidates []game.CandidateAction
		for i, s := range r.seats {
			if s.snapshot == nil {
				continue
			}
			candidates := r.playableCandidates(s)
			if len(candidates) == 0 {
				continue
			}
			if s.snapshot.CurrentActor() == s.id {
				return i, candidates, game.RunResult{}, true
			}
			if fallback < 0 {
				fallback = i
				fallbackCandidates = candidates
			}
		}
		if fallback >= 0 {
			return fallback, fallbackCandidates, game.RunResult{}, true
		}

		res, ok := r.nextUpdate(ctx, deadline, "awaiting an actor with candidates")
		if !ok {
			return 0, nil, res, false
		}
	}
}

// playableCandidates enumerates, undo-filters, de-duplicates and sorts the
// seat's legal actions.
func (r *Runner) playableCandidates(s *seatState) []game.CandidateAction {
	raw := r.enumerator.Enumerate(s.snapshot, s.id)
	playable := game.FilterTypes(raw, r.cfg.ExcludeActionTypes)
	return game.SortCandidates(playable)
}

// awaitAck waits for the acting seat's post-action state update.
func (r *Runner) awaitAck(ctx context.Context, seatIdx int) (game.RunResult, bool) {
	deadline := time.Now().Add(r.cfg.UpdateTimeout)
	before := r.seats[seatIdx].updateCount
	for {
		if r.seats[seatIdx].updateCount != before || r.protocolMsg != nil || r.rejection != nil {
			return game.RunResult{}, true
		}
		res, ok := r.nextUpdate(ctx, deadline, "awaiting action acknowledgement")
		if !ok {
			return res, false
		}
	}
}

// nextUpdate blocks for one update from any seat, bounded by the deadline.
// Timeouts classify as disconnect with full diagnostics attached.
func (r *Runner) nextUpdate(ctx context.Context, deadline time.Time, phase string) (game.RunResult, bool) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return r.timeoutResult(phase), false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case u := <-r.updates:
		r.processUpdate(u)
		return game.RunResult{}, true
	case <-timer.C:
		return r.timeoutResult(phase), false
	case <-ctx.Done():
		return game.RunResult{
			Outcome:     game.OutcomeDisconnect,
			Reason:      fmt.Sprintf("cancelled while %s: %v", phase, ctx.Err()),
			Diagnostics: r.diagnose(),
		}, false
	}
}

func (r *Runner) timeoutResult(phase string) game.RunResult {
	d := r.diagnose()
	log.Warn().
		Int("run_index", r.runIndex).
		Str("phase", phase).
		Msgf("timed out after %s: %s", r.cfg.UpdateTimeout, d.Line())
	return game.RunResult{
		Outcome:     game.OutcomeDisconnect,
		Reason:      fmt.Sprintf("timed out %s", phase),
		Diagnostics: d,
	}
}

// processUpdate applies one message or lifecycle event to the runner state.
func (r *Runner) processUpdate(u seatUpdate) {
	s := r.seats[u.seat]

	if u.conn != nil {
		if u.conn.Kind != transport.EventConnected {
			s.lastTransportErr = fmt.Sprintf("%s: %s", u.conn.Kind, u.conn.Reason)
		}
		r.logMessage(s.id, string(u.conn.Kind), u.conn.Reason)
		return
	}

	msg := u.msg
	switch msg.Type {
	case transport.MessageLobbyState:
		r.gameID = msg.GameID
		r.logMessage(s.id, string(msg.Type), msg.GameID)
	case transport.MessageError:
		r.protocolMsg = msg
		r.logMessage(s.id, string(msg.Type), fmt.Sprintf("%s: %s", msg.Code, msg.Text))
	case transport.MessageStateUpdate:
		s.snapshot = msg.State
		s.updateCount++
		if msg.State.Terminal() {
			r.terminal = true
		}
		for _, ev := range msg.Events {
			if ev.Type == game.EventGameEnded {
				r.terminal = true
			}
			if r.pending != nil && ev.RejectionFor(r.pending.playerID, r.pending.actionType) {
				rejected := ev
				r.rejection = &rejected
			}
		}
		r.logMessage(s.id, string(msg.Type), "")
	}
}

func (r *Runner) logMessage(seatID, msgType, detail string) {
	r.msgLog = append(r.msgLog, artifact.Message{
		Seat:   seatID,
		Type:   msgType,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// persist appends the run summary and, for failures (or when forced), the
// full artifact.
func (r *Runner) persist(result *game.RunResult) {
	if r.summaries != nil {
		summary := artifact.Summary{
			RunIndex: result.RunIndex,
			Seed:     result.Seed,
			Outcome:  result.Outcome,
			Steps:    result.Steps,
			GameID:   result.GameID,
			Reason:   result.Reason,
		}
		for _, s := range r.seats {
			if s.snapshot != nil {
				summary.Resources = s.snapshot.Resources()
				break
			}
		}
		if err := r.summaries.Append(summary); err != nil {
			log.Error().Err(err).Int("run_index", result.RunIndex).Msg("failed to append run summary")
		}
	}

	if r.artifacts == nil || (!result.Failed() && !r.cfg.ForceArtifact) {
		return
	}
	path, err := r.artifacts.Write(artifact.Artifact{
		Result:   *result,
		Trace:    r.trace,
		Messages: r.msgLog,
	})
	if err != nil {
		log.Error().Err(err).Int("run_index", result.RunIndex).Msg("failed to write artifact")
		return
	}
	result.ArtifactPath = path
}
