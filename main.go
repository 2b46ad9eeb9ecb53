package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"

	"gauntlet/artifact"
	"gauntlet/batch"
	"gauntlet/config"
	"gauntlet/game"
	"gauntlet/loopback"
	"gauntlet/policy"
	"gauntlet/runner"
	"gauntlet/trainer"
)

// Feature dimensions of the reference learner over the loopback game.
const (
	stateDim   = 4
	maxActions = 8
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("failed to load config: %v", err)
	}

	mode := "fuzz"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "fuzz":
		runFuzz(cfg)
	case "train":
		runTrain(cfg)
	case "worker":
		runWorkerMode(cfg)
	default:
		config.Exitf("unknown mode %q (want fuzz, train or worker)", mode)
	}
}

// runFuzz plays cfg.Episodes seeded episodes against loopback servers with
// the random baseline policy, spread over cfg.Concurrency goroutines.
func runFuzz(cfg config.Config) {
	summaries, err := artifact.NewSummaryWriter(cfg.OutDir + "/summary.ndjson")
	if err != nil {
		config.Exitf("failed to open summary writer: %v", err)
	}
	defer summaries.Close()
	artifacts, err := artifact.NewWriter(cfg.OutDir + "/artifacts")
	if err != nil {
		config.Exitf("failed to open artifact writer: %v", err)
	}

	tasks := make(chan int, cfg.Episodes)
	for i := 0; i < cfg.Episodes; i++ {
		tasks <- i
	}
	close(tasks)

	var mu sync.Mutex
	tally := map[game.Outcome]int{}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				result := fuzzEpisode(cfg, idx, summaries, artifacts)
				mu.Lock()
				tally[result.Outcome]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	log.Info().Interface("outcomes", tally).Int("episodes", cfg.Episodes).Msg("fuzzing finished")
	for _, outcome := range game.Outcomes() {
		if n := tally[outcome]; n > 0 && outcome.Failed() {
			config.Exitf("%d of %d runs classified as %s; artifacts in %s/artifacts",
				n, cfg.Episodes, outcome, cfg.OutDir)
		}
	}
}

func fuzzEpisode(cfg config.Config, idx int, summaries *artifact.SummaryWriter, artifacts *artifact.Writer) game.RunResult {
	server := loopback.NewServer(fmt.Sprintf("game-%d", idx), loopback.Options{
		TacticEvery:   5,
		AdvertiseUndo: true,
	})
	r := runner.New(runnerConfig(cfg), idx, cfg.Seed+int64(idx),
		seatsFor(server), server.Enumerator(), policy.NewRandom(),
		runner.WithSummaryWriter(summaries),
		runner.WithArtifactWriter(artifacts),
	)
	return r.Run(context.Background())
}

// runTrain spawns the worker pool (this binary re-invoked in worker mode) and
// trains the reference learner over the loopback game.
func runTrain(cfg config.Config) {
	exe, err := os.Executable()
	if err != nil {
		config.Exitf("failed to locate executable: %v", err)
	}
	pool, err := trainer.NewProcessPool(cfg.Workers, exe, "worker")
	if err != nil {
		config.Exitf("failed to start worker pool: %v", err)
	}
	defer pool.Close()

	learner := trainer.NewLinear(stateDim, maxActions, cfg.LearningRate)
	t := trainer.New(trainer.Config{
		EpisodesPerSync: cfg.EpisodesPerSync,
		Parallelism:     cfg.Parallelism,
		Gamma:           cfg.Gamma,
		Lambda:          cfg.Lambda,
		Epochs:          cfg.Epochs,
		MinibatchSize:   cfg.MinibatchSize,
		ClipEpsilon:     cfg.ClipEpsilon,
		SeedBase:        cfg.Seed,
	}, learner, pool)

	err = t.Run(context.Background(), cfg.Episodes, func(stats trainer.EpisodeStats) bool {
		event := log.Info().
			Int("run_index", stats.RunIndex).
			Int64("seed", stats.Seed).
			Str("outcome", string(stats.Outcome)).
			Int("steps", stats.Steps).
			Float64("reward", stats.Reward).
			Int("batch", stats.Batch)
		if stats.Update != nil {
			event = event.
				Float64("policy_loss", stats.Update.PolicyLoss).
				Float64("value_loss", stats.Update.ValueLoss).
				Float64("clip_fraction", stats.Update.ClipFraction)
		}
		event.Msg("episode trained")
		return true
	})
	if err != nil {
		config.Exitf("training failed: %v", err)
	}
}

// runWorkerMode is the worker-process side: episodes within a chunk run as
// concurrent runners that share one batching coordinator, and collect
// requests arrive over stdin. Stdout carries only protocol frames; all
// logging goes to stderr.
func runWorkerMode(cfg config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	learner := trainer.NewLinear(stateDim, maxActions, cfg.LearningRate)
	coordinator := batch.NewCoordinator(ctx, linearModel{learner: learner})

	episode := func(ctx context.Context, runIndex int, seed int64) (trainer.Episode, error) {
		server := loopback.NewServer(fmt.Sprintf("train-%d", runIndex), loopback.Options{TacticEvery: 5})
		pol := batch.NewPolicy(coordinator, loopbackEncoder{})
		r := runner.New(runnerConfig(cfg), runIndex, seed,
			seatsFor(server), server.Enumerator(), pol)
		result := r.Run(ctx)

		reward := 0.0
		if result.Outcome == game.OutcomeEnded {
			reward = 1.0
		}
		return trainer.EpisodeFromRun(result, r.Decisions(), reward), nil
	}

	if err := trainer.RunWorker(ctx, os.Stdin, os.Stdout, learner, episode); err != nil {
		config.Exitf("worker failed: %v", err)
	}
}

func runnerConfig(cfg config.Config) runner.Config {
	return runner.Config{
		MaxSteps:        cfg.MaxSteps,
		UpdateTimeout:   cfg.Timeout,
		StallThreshold:  cfg.StallThreshold,
		StallAllPlayers: cfg.StallAllPlayers,
	}
}

func seatsFor(server *loopback.Server) []runner.Seat {
	players := []string{"p1", "p2"}
	seats := make([]runner.Seat, len(players))
	for i, id := range players {
		seats[i] = runner.Seat{ID: id, Transport: server.Connect(id)}
	}
	return seats
}

// linearModel adapts the reference learner to the coordinator's model
// contract. The forward pass is the identity over the state features; the
// learner's sampling path does the per-request scoring.
type linearModel struct {
	learner *trainer.Linear
}

func (m linearModel) ForwardBatch(states [][]float32) ([][]float32, error) {
	return states, nil
}

func (m linearModel) Select(encoding []float32, candidates [][]float32, rng *rand.Rand) (batch.Decision, error) {
	action, logProb, value := m.learner.Decide(encoding, len(candidates), rng)
	return batch.Decision{Index: action, LogProb: logProb, Value: value}, nil
}

// loopbackEncoder featurizes the toy game for the learner.
type loopbackEncoder struct{}

func (loopbackEncoder) EncodeState(s game.Snapshot, playerID string) []float32 {
	return loopback.EncodeState(s, playerID)
}

var candidateTypes = []string{"play_card", "attack", "end_turn", "choose_tactic"}

func (loopbackEncoder) EncodeCandidate(_ game.Snapshot, _ string, c game.CandidateAction) []float32 {
	features := make([]float32, len(candidateTypes))
	for i, t := range candidateTypes {
		if c.Type() == t {
			features[i] = 1
		}
	}
	return features
}
