package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gauntlet/game"
)

func stubEpisode(runIndex int, seed int64) Episode {
	return Episode{
		RunIndex: runIndex,
		Seed:     seed,
		Outcome:  game.OutcomeEnded,
		Steps:    1,
		Transitions: []Transition{{
			State:      []float32{1, 0},
			NumActions: 2,
			LogProb:    math.Log(0.5),
			Reward:     1,
		}},
	}
}

func TestRunWorker(t *testing.T) {
	reqReader, reqWriter := io.Pipe()
	resReader, resWriter := io.Pipe()

	var mu sync.Mutex
	played := map[int]int64{}
	episode := func(_ context.Context, runIndex int, seed int64) (Episode, error) {
		if seed == 99 {
			return Episode{}, fmt.Errorf("injected episode failure")
		}
		mu.Lock()
		played[runIndex] = seed
		mu.Unlock()
		return stubEpisode(runIndex, seed), nil
	}

	done := make(chan error, 1)
	go func() {
		done <- RunWorker(context.Background(), reqReader, resWriter, NewLinear(2, 4, 0.05), episode)
	}()

	enc := json.NewEncoder(reqWriter)
	dec := json.NewDecoder(resReader)
	weights, err := NewLinear(2, 4, 0.05).Weights()
	require.NoError(t, err)

	t.Run("plays the requested chunk and replies in seed order", func(t *testing.T) {
		require.NoError(t, enc.Encode(CollectRequest{
			Batch:       0,
			Weights:     weights,
			Seeds:       []int64{7, 8, 9},
			RunOffset:   4,
			Parallelism: 2,
		}))

		var reply frame
		require.NoError(t, dec.Decode(&reply))
		require.Empty(t, reply.Error)
		require.NotNil(t, reply.Result)
		require.Len(t, reply.Result.Episodes, 3)
		for i, e := range reply.Result.Episodes {
			require.Equal(t, 4+i, e.RunIndex, "Run numbering continues from the request offset")
			require.Equal(t, int64(7+i), e.Seed, "Episode order should match the seed order")
		}
		mu.Lock()
		require.Equal(t, map[int]int64{4: 7, 5: 8, 6: 9}, played)
		mu.Unlock()
	})

	t.Run("reports a weight-loading failure as a chunk error", func(t *testing.T) {
		badWeights, err := NewLinear(3, 4, 0.05).Weights()
		require.NoError(t, err)
		require.NoError(t, enc.Encode(CollectRequest{Weights: badWeights, Seeds: []int64{1}}))

		var reply frame
		require.NoError(t, dec.Decode(&reply))
		require.Contains(t, reply.Error, "weights")
		require.Nil(t, reply.Result)
	})

	t.Run("reports an episode failure as a chunk error", func(t *testing.T) {
		require.NoError(t, enc.Encode(CollectRequest{Weights: weights, Seeds: []int64{99}}))

		var reply frame
		require.NoError(t, dec.Decode(&reply))
		require.Contains(t, reply.Error, "injected episode failure")
	})

	t.Run("exits cleanly when the request stream closes", func(t *testing.T) {
		require.NoError(t, reqWriter.Close())
		require.NoError(t, <-done, "EOF on stdin is the orderly shutdown signal")
	})
}
