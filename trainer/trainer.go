package trainer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
)

// Config shapes one training run.
type Config struct {
	// EpisodesPerSync is the chunk size each worker receives per batch.
	EpisodesPerSync int
	// Parallelism is how many runner goroutines one worker drives at once.
	Parallelism int
	// Gamma and Lambda are the discount and GAE factors.
	Gamma  float64
	Lambda float64
	// Epochs and MinibatchSize shape the optimization pass per batch.
	Epochs        int
	MinibatchSize int
	ClipEpsilon   float64
	// SeedBase is the first episode seed; episode i plays seed SeedBase+i.
	SeedBase int64
}

func (c Config) withDefaults() Config {
	if c.EpisodesPerSync <= 0 {
		c.EpisodesPerSync = 4
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.Gamma <= 0 {
		c.Gamma = 0.99
	}
	if c.Lambda <= 0 {
		c.Lambda = 0.95
	}
	if c.Epochs <= 0 {
		c.Epochs = 4
	}
	if c.MinibatchSize <= 0 {
		c.MinibatchSize = 64
	}
	if c.ClipEpsilon <= 0 {
		c.ClipEpsilon = 0.2
	}
	return c
}

// Trainer coordinates a fixed worker pool with double buffering: the next
// batch is always collecting while the current one optimizes, and workers
// act on weights at most one batch stale.
type Trainer struct {
	cfg     Config
	learner Learner
	pool    Dispatcher
	rng     *rand.Rand
}

func New(cfg Config, learner Learner, pool Dispatcher) *Trainer {
	cfg = cfg.withDefaults()
	return &Trainer{
		cfg:     cfg,
		learner: learner,
		pool:    pool,
		rng:     rand.New(rand.NewSource(uint64(cfg.SeedBase) + 1)),
	}
}

// chunk is one worker's share of a batch dispatch.
type chunk struct {
	worker    int
	seeds     []int64
	runOffset int
}

// inflight is a dispatched batch whose results are still arriving.
type inflight struct {
	batch    int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	episodes []Episode
	failures int
	chunks   int
}

// Run collects and optimizes until totalEpisodes have been yielded. yield
// receives every episode's stats, tagged with the optimization summary of
// its batch; returning false stops the run, cancelling any outstanding
// dispatch best-effort.
func (t *Trainer) Run(ctx context.Context, totalEpisodes int, yield func(EpisodeStats) bool) error {
	if totalEpisodes <= 0 {
		return nil
	}

	seeds := make([]int64, totalEpisodes)
	for i := range seeds {
		seeds[i] = t.cfg.SeedBase + int64(i)
	}
	batchSize := t.pool.Workers() * t.cfg.EpisodesPerSync

	dispatched := 0
	batch := 0
	dispatchNext := func() (*inflight, error) {
		if dispatched >= totalEpisodes {
			return nil, nil
		}
		end := dispatched + batchSize
		if end > totalEpisodes {
			end = totalEpisodes // partial final chunk
		}
		weights, err := t.learner.Weights()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot weights: %w", err)
		}
		f := t.dispatch(ctx, batch, weights, seeds[dispatched:end], dispatched)
		dispatched = end
		batch++
		return f, nil
	}

	current, err := dispatchNext()
	if err != nil {
		return err
	}

	for current != nil {
		episodes, err := current.await()
		if err != nil {
			return fmt.Errorf("batch %d: %w", current.batch, err)
		}

		// Double buffering: the next batch starts collecting with the same
		// pre-optimization weights before this one is optimized, so
		// collection overlaps optimization wall-clock time.
		next, err := dispatchNext()
		if err != nil {
			return err
		}

		update := t.optimize(episodes)

		sort.Slice(episodes, func(i, j int) bool {
			return episodes[i].RunIndex < episodes[j].RunIndex
		})
		for _, e := range episodes {
			stats := EpisodeStats{
				RunIndex: e.RunIndex,
				Seed:     e.Seed,
				Outcome:  e.Outcome,
				Steps:    e.Steps,
				Reward:   e.Reward(),
				Batch:    current.batch,
				Update:   update,
			}
			if !yield(stats) {
				if next != nil {
					next.cancel()
					next.wg.Wait()
				}
				return nil
			}
		}

		current = next
	}
	return nil
}

// dispatch splits the batch's seeds into consecutive per-sync chunks,
// assigns them round-robin across workers and starts collecting.
func (t *Trainer) dispatch(ctx context.Context, batch int, weights []byte, seeds []int64, runOffset int) *inflight {
	cctx, cancel := context.WithCancel(ctx)
	f := &inflight{batch: batch, cancel: cancel}

	var chunks []chunk
	for start := 0; start < len(seeds); start += t.cfg.EpisodesPerSync {
		end := start + t.cfg.EpisodesPerSync
		if end > len(seeds) {
			end = len(seeds)
		}
		chunks = append(chunks, chunk{
			worker:    len(chunks) % t.pool.Workers(),
			seeds:     seeds[start:end],
			runOffset: runOffset + start,
		})
	}
	f.chunks = len(chunks)

	for _, c := range chunks {
		c := c
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			result, err := t.pool.Collect(cctx, c.worker, CollectRequest{
				Batch:       batch,
				Weights:     weights,
				Seeds:       c.seeds,
				RunOffset:   c.runOffset,
				Parallelism: t.cfg.Parallelism,
			})
			f.mu.Lock()
			defer f.mu.Unlock()
			if err != nil {
				// A failed worker chunk is omitted from the aggregate
				// rather than voiding the batch; its episodes are lost.
				f.failures++
				log.Error().Err(err).
					Int("batch", batch).
					Int("worker", c.worker).
					Int("run_offset", c.runOffset).
					Int("episodes", len(c.seeds)).
					Msg("worker chunk failed, omitting from batch")
				return
			}
			f.episodes = append(f.episodes, result.Episodes...)
		}()
	}
	return f
}

// await blocks until every chunk of the batch resolved. A batch with no
// surviving chunks aborts the run.
func (f *inflight) await() ([]Episode, error) {
	f.wg.Wait()
	f.cancel()
	if f.failures == f.chunks {
		return nil, fmt.Errorf("all %d worker chunks failed", f.chunks)
	}
	return f.episodes, nil
}

// optimize runs the clipped-ratio update over the collected batch: several
// epochs of shuffled minibatches. It is never invoked on an empty
// transition set.
func (t *Trainer) optimize(episodes []Episode) *UpdateStats {
	samples := advantages(episodes, t.cfg.Gamma, t.cfg.Lambda)
	if len(samples) == 0 {
		return nil
	}

	update := UpdateStats{Epochs: t.cfg.Epochs, Samples: len(samples)}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		perm := t.rng.Perm(len(samples))
		for start := 0; start < len(perm); start += t.cfg.MinibatchSize {
			end := start + t.cfg.MinibatchSize
			if end > len(perm) {
				end = len(perm)
			}
			mb := Minibatch{ClipEpsilon: t.cfg.ClipEpsilon}
			for _, idx := range perm[start:end] {
				s := samples[idx]
				mb.States = append(mb.States, s.state)
				mb.Actions = append(mb.Actions, s.action)
				mb.NumActions = append(mb.NumActions, s.numActions)
				mb.OldLogProbs = append(mb.OldLogProbs, s.oldLogProb)
				mb.Advantages = append(mb.Advantages, s.advantage)
				mb.Returns = append(mb.Returns, s.ret)
			}

			stats, err := t.learner.Step(mb)
			if err != nil {
				log.Error().Err(err).Int("epoch", epoch).Msg("optimizer step failed")
				continue
			}
			update.Minibatches++
			update.PolicyLoss += stats.PolicyLoss
			update.ValueLoss += stats.ValueLoss
			update.ClipFraction += stats.ClipFraction
		}
	}
	if update.Minibatches > 0 {
		update.PolicyLoss /= float64(update.Minibatches)
		update.ValueLoss /= float64(update.Minibatches)
		update.ClipFraction /= float64(update.Minibatches)
	}
	return &update
}
