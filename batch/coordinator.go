// Package batch coalesces decision requests from many concurrently-running
// episodes into single batched model computations.
package batch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"
)

// ErrCoordinatorClosed resolves every request still pending when the
// coordinator shuts down; none is ever left to hang.
var ErrCoordinatorClosed = errors.New("batch: coordinator closed")

// EncodedStep is a vectorized decision point: the state features plus one
// feature vector per candidate action.
type EncodedStep struct {
	State      []float32
	Candidates [][]float32
}

// Decision is the resolved result of one request.
type Decision struct {
	Index   int // into the submitted candidate list
	LogProb float64
	Value   float64
}

// Model is the learned-model contract the coordinator drives. ForwardBatch is
// the expensive batched computation; Select is the cheaper per-request
// candidate scoring and sampling.
type Model interface {
	ForwardBatch(states [][]float32) (encodings [][]float32, err error)
	Select(encoding []float32, candidates [][]float32, rng *rand.Rand) (Decision, error)
}

type result struct {
	decision Decision
	err      error
}

type request struct {
	step EncodedStep
	rng  *rand.Rand
	out  chan result // buffered 1; resolved exactly once
}

// Coordinator owns a pending-request list mutated only by its single
// background goroutine at the coalescing point; submitters only append. Batch
// membership is purely "submitted before the coalescing yield": N callers
// that all submit before any is resumed share one batch, N strictly
// sequential callers get N batches.
type Coordinator struct {
	model Model

	mu      sync.Mutex
	pending []*request
	closed  bool
	wake    chan struct{} // buffered 1: wakes the loop, never polls

	stopped  chan struct{}
	batches  atomic.Uint64
	requests atomic.Uint64
}

// NewCoordinator starts the coalescing goroutine. It runs until ctx is
// cancelled, at which point all still-pending requests resolve with
// ErrCoordinatorClosed.
func NewCoordinator(ctx context.Context, model Model) *Coordinator {
	c := &Coordinator{
		model:   model,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Stats reports how many batches were computed and how many requests they
// served in total.
func (c *Coordinator) Stats() (batches, requests uint64) {
	return c.batches.Load(), c.requests.Load()
}

// Submit registers one decision request and blocks until the coordinator
// resolves it. The rng is the caller's episode RNG; the caller is suspended
// for the duration, so the coordinator may use it safely.
func (c *Coordinator) Submit(ctx context.Context, step EncodedStep, rng *rand.Rand) (Decision, error) {
	r := &request{step: step, rng: rng, out: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Decision{}, ErrCoordinatorClosed
	}
	c.pending = append(c.pending, r)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default: // a wakeup is already queued
	}

	select {
	case res := <-r.out:
		return res.decision, res.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
		}

		// Yield exactly once so every submitter already runnable at this
		// instant can append to the same pending list before it freezes.
		runtime.Gosched()

		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		if len(batch) == 0 {
			continue
		}
		c.serve(batch)
	}
}

// serve runs one batched forward pass and resolves every request exactly
// once, with either a decision or a failure.
func (c *Coordinator) serve(batch []*request) {
	states := make([][]float32, len(batch))
	for i, r := range batch {
		states[i] = r.step.State
	}

	encodings, err := c.model.ForwardBatch(states)
	if err == nil && len(encodings) != len(batch) {
		err = errors.New("batch: model returned wrong encoding count")
	}
	if err != nil {
		for _, r := range batch {
			r.out <- result{err: err}
		}
		return
	}

	for i, r := range batch {
		decision, err := c.model.Select(encodings[i], r.step.Candidates, r.rng)
		r.out <- result{decision: decision, err: err}
	}

	c.batches.Add(1)
	c.requests.Add(uint64(len(batch)))
}

// shutdown marks the coordinator closed and cancels whatever is pending.
func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, r := range pending {
		r.out <- result{err: ErrCoordinatorClosed}
	}
}

// Done is closed once the background goroutine has fully stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.stopped }
