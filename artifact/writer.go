// Package artifact persists run outcomes: a newline-delimited JSON summary
// appended per run, and a full failure artifact written only for designated
// failure outcomes.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gauntlet/game"
)

// Summary is the one-line NDJSON record appended for every run.
type Summary struct {
	RunIndex  int            `json:"run_index"`
	Seed      int64          `json:"seed"`
	Outcome   game.Outcome   `json:"outcome"`
	Steps     int            `json:"steps"`
	GameID    string         `json:"game_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Resources map[string]int `json:"resources,omitempty"` // terminal per-player counters
}

// SummaryWriter appends NDJSON summary records to a single file. Safe for
// concurrent use by many episode goroutines.
type SummaryWriter struct {
	mu sync.Mutex
	f  *os.File
}

// NewSummaryWriter opens (creating if needed) the summary file in append mode.
func NewSummaryWriter(path string) (*SummaryWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create summary directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary file: %w", err)
	}
	return &SummaryWriter{f: f}, nil
}

// Append writes one summary record followed by a newline.
func (w *SummaryWriter) Append(s Summary) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append summary: %w", err)
	}
	return nil
}

func (w *SummaryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Message is one entry of an episode's message log, reduced to what a person
// debugging a failure needs.
type Message struct {
	Seat   string    `json:"seat"`
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Artifact is the full JSON document written for a failed run: metadata, the
// complete action trace and the complete message log.
type Artifact struct {
	Result    game.RunResult    `json:"result"`
	Trace     []game.TraceEntry `json:"trace"`
	Messages  []Message         `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
}

// Writer stores failure artifacts under a base directory.
type Writer struct {
	baseDir string
}

func NewWriter(baseDir string) (*Writer, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Writer{baseDir: baseDir}, nil
}

// Write stores one artifact and returns its path.
func (w *Writer) Write(a Artifact) (string, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	name := fmt.Sprintf("run_%d_%s.json", a.Result.RunIndex, a.Result.Outcome)
	path := filepath.Join(w.baseDir, name)

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}
