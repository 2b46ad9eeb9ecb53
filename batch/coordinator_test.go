package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// fakeModel records the size of every forward batch. An optional gate blocks
// each forward pass until the test releases it, which pins down batch
// boundaries deterministically.
type fakeModel struct {
	mu      sync.Mutex
	sizes   []int
	gate    chan struct{}
	entered chan int
}

func (m *fakeModel) ForwardBatch(states [][]float32) ([][]float32, error) {
	m.mu.Lock()
	m.sizes = append(m.sizes, len(states))
	m.mu.Unlock()
	if m.entered != nil {
		m.entered <- len(states)
	}
	if m.gate != nil {
		<-m.gate
	}
	return states, nil
}

func (m *fakeModel) Select(_ []float32, candidates [][]float32, _ *rand.Rand) (Decision, error) {
	return Decision{Index: len(candidates) - 1, LogProb: -0.5, Value: 1.0}, nil
}

func (m *fakeModel) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.sizes...)
}

func oneStep() EncodedStep {
	return EncodedStep{
		State:      []float32{1, 0},
		Candidates: [][]float32{{1}, {0}},
	}
}

func TestCoordinatorSequentialSubmits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &fakeModel{}
	c := NewCoordinator(ctx, model)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5; i++ {
		decision, err := c.Submit(context.Background(), oneStep(), rng)
		require.NoError(t, err)
		require.Equal(t, 1, decision.Index, "Decision should come from the model")
	}

	batches, requests := c.Stats()
	require.Equal(t, uint64(5), batches, "Strictly sequential submitters get one batch each")
	require.Equal(t, uint64(5), requests)
}

func TestCoordinatorCoalescesConcurrentSubmits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &fakeModel{gate: make(chan struct{}), entered: make(chan int)}
	c := NewCoordinator(ctx, model)
	rng := rand.New(rand.NewSource(1))

	// Prime the loop into a forward pass so it cannot drain the pending list
	// while the concurrent submitters register.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Submit(context.Background(), oneStep(), rng)
		require.NoError(t, err)
	}()
	require.Equal(t, 1, <-model.entered, "Priming request forms its own batch")

	const n = 8
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(context.Background(), oneStep(), rand.New(rand.NewSource(1)))
			require.NoError(t, err)
		}()
	}
	time.Sleep(100 * time.Millisecond) // let every submitter register
	model.gate <- struct{}{}           // release the priming batch

	require.Equal(t, n, <-model.entered,
		"All requests pending at the coalescing point should share one batch")
	model.gate <- struct{}{}
	wg.Wait()

	batches, requests := c.Stats()
	require.Equal(t, uint64(2), batches)
	require.Equal(t, uint64(n+1), requests)
}

func TestCoordinatorManyConcurrentSubmitsAllResolve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(ctx, &fakeModel{})

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := c.Submit(context.Background(), oneStep(), rand.New(rand.NewSource(1)))
			require.NoError(t, err)
			require.Equal(t, 1, decision.Index)
		}()
	}
	wg.Wait()

	batches, requests := c.Stats()
	require.Equal(t, uint64(n), requests, "Every request is served exactly once")
	require.LessOrEqual(t, batches, requests)
	require.GreaterOrEqual(t, batches, uint64(1))
}

func TestCoordinatorSubmitAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(ctx, &fakeModel{})

	cancel()
	<-c.Done()

	_, err := c.Submit(context.Background(), oneStep(), rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, ErrCoordinatorClosed, "A closed coordinator must fail fast, never hang")
}

func TestCoordinatorShutdownResolvesParkedSubmitters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &fakeModel{gate: make(chan struct{}), entered: make(chan int)}
	c := NewCoordinator(ctx, model)

	results := make(chan error, 16)
	submit := func() {
		_, err := c.Submit(context.Background(), oneStep(), rand.New(rand.NewSource(1)))
		results <- err
	}

	// Park the loop inside a forward pass so later submitters pile up in the
	// pending list with nobody draining it.
	go submit()
	require.Equal(t, 1, <-model.entered)

	const parked = 8
	for i := 0; i < parked; i++ {
		go submit()
	}
	time.Sleep(100 * time.Millisecond) // let every submitter register

	cancel()

	// If the loop drains the parked requests as one last batch instead of
	// shutting down first, keep releasing the gate so it can finish.
	go func() {
		for {
			select {
			case <-model.entered:
				model.gate <- struct{}{}
			case <-c.Done():
				return
			}
		}
	}()
	model.gate <- struct{}{} // release the priming batch

	for i := 0; i < parked+1; i++ {
		select {
		case err := <-results:
			if err != nil {
				require.ErrorIs(t, err, ErrCoordinatorClosed,
					"A parked request resolves with a decision or the closed error, nothing else")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("submitter %d was never resolved after shutdown", i)
		}
	}
	<-c.Done()
}

func TestCoordinatorSubmitHonoursCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &fakeModel{gate: make(chan struct{}), entered: make(chan int)}
	c := NewCoordinator(ctx, model)

	go func() {
		_, _ = c.Submit(context.Background(), oneStep(), rand.New(rand.NewSource(1)))
	}()
	<-model.entered // the loop is now stuck in the forward pass

	cancelled, cancelRequest := context.WithCancel(context.Background())
	cancelRequest()
	_, err := c.Submit(cancelled, oneStep(), rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, context.Canceled,
		"A caller abandoning its request unblocks immediately")

	// Drain the gated batches; the abandoned request resolves into its
	// buffered channel without a receiver.
	go func() {
		model.gate <- struct{}{}
		<-model.entered
		model.gate <- struct{}{}
	}()
}
