package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher hands collect requests to workers. The process pool is the real
// implementation; tests substitute an in-process one.
type Dispatcher interface {
	Workers() int
	// Collect sends one request to the given worker and blocks for its
	// reply. Cancelling ctx abandons the reply (best-effort: the worker may
	// finish the chunk anyway; its result is discarded).
	Collect(ctx context.Context, worker int, req CollectRequest) (*WorkerResult, error)
	Close() error
}

// ProcessPool is a fixed pool of long-lived worker OS processes speaking
// newline-delimited JSON over their standard pipes. All communication is
// message passing; there is no shared mutable state with the workers.
type ProcessPool struct {
	procs []*workerProc
}

type workerProc struct {
	mu    sync.Mutex // one outstanding request per worker
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	dec   *json.Decoder
}

// NewProcessPool spawns count workers running the given command (typically
// this binary re-invoked in worker mode).
func NewProcessPool(count int, command string, args ...string) (*ProcessPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", count)
	}
	pool := &ProcessPool{}
	for i := 0; i < count; i++ {
		proc, err := startWorker(command, args...)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		pool.procs = append(pool.procs, proc)
		log.Info().Int("worker", i).Int("pid", proc.cmd.Process.Pid).Msg("worker started")
	}
	return pool, nil
}

func startWorker(command string, args ...string) (*workerProc, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &workerProc{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(stdout),
	}, nil
}

func (p *ProcessPool) Workers() int { return len(p.procs) }

func (p *ProcessPool) Collect(ctx context.Context, worker int, req CollectRequest) (*WorkerResult, error) {
	if worker < 0 || worker >= len(p.procs) {
		return nil, fmt.Errorf("no such worker %d", worker)
	}
	proc := p.procs[worker]

	proc.mu.Lock()
	if err := proc.enc.Encode(req); err != nil {
		proc.mu.Unlock()
		return nil, fmt.Errorf("failed to send request to worker %d: %w", worker, err)
	}

	type reply struct {
		f   frame
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		var f frame
		err := proc.dec.Decode(&f)
		replies <- reply{f: f, err: err}
	}()

	select {
	case r := <-replies:
		proc.mu.Unlock()
		if r.err != nil {
			return nil, fmt.Errorf("failed to read reply from worker %d: %w", worker, r.err)
		}
		if r.f.Error != "" {
			return nil, fmt.Errorf("worker %d: %s", worker, r.f.Error)
		}
		return r.f.Result, nil
	case <-ctx.Done():
		// The worker may still be computing the chunk. Keep its pipe in
		// sync: drain the eventual reply before releasing the worker, then
		// discard it.
		go func() {
			<-replies
			proc.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// Close shuts the pool down by closing every worker's stdin (the worker loop
// exits on EOF) and waiting for the processes. It blocks until any in-flight
// or abandoned request has finished reading the worker's stdout, since Wait
// must not run while the pipe is still being read.
func (p *ProcessPool) Close() error {
	var firstErr error
	for i, proc := range p.procs {
		if err := proc.stdin.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		proc.mu.Lock()
		if err := proc.cmd.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("worker %d exited: %w", i, err)
		}
		proc.mu.Unlock()
	}
	return firstErr
}
