package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// CollectRequest asks a worker process to play a chunk of episodes under a
// frozen weight snapshot. Weights and seeds travel by value; orchestrator
// and workers share no memory.
type CollectRequest struct {
	Batch       int     `json:"batch"`
	Weights     []byte  `json:"weights"`
	Seeds       []int64 `json:"seeds"`
	RunOffset   int     `json:"run_offset"`
	Parallelism int     `json:"parallelism"`
}

// frame is one worker reply: a result or a chunk-level failure, never both.
type frame struct {
	Result *WorkerResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// EpisodeFunc runs one episode end-to-end with the worker's current weights
// and returns its transitions and classification. Episode failures are
// terminal outcomes, not errors; an error here means the harness itself
// broke.
type EpisodeFunc func(ctx context.Context, runIndex int, seed int64) (Episode, error)

// RunWorker is the worker-process side of the protocol: it services collect
// requests from in until it closes, writing one reply frame per request.
// Within a chunk, episodes run as concurrent runner goroutines bounded by
// the request's parallelism.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer, learner Learner, run EpisodeFunc) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)

	for {
		var req CollectRequest
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to decode collect request: %w", err)
		}

		reply := collect(ctx, learner, run, req)
		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}
	}
}

func collect(ctx context.Context, learner Learner, run EpisodeFunc, req CollectRequest) frame {
	if err := learner.SetWeights(req.Weights); err != nil {
		return frame{Error: fmt.Sprintf("failed to load weights: %v", err)}
	}

	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	episodes := make([]Episode, len(req.Seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, seed := range req.Seeds {
		i, seed := i, seed
		g.Go(func() error {
			episode, err := run(gctx, req.RunOffset+i, seed)
			if err != nil {
				return fmt.Errorf("episode %d (seed %d): %w", req.RunOffset+i, seed, err)
			}
			episodes[i] = episode
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return frame{Error: err.Error()}
	}

	log.Debug().
		Int("batch", req.Batch).
		Int("episodes", len(episodes)).
		Int("run_offset", req.RunOffset).
		Msg("worker chunk collected")
	return frame{Result: &WorkerResult{Episodes: episodes}}
}
