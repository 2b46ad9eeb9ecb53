// Package config loads harness configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the whole harness configuration. Flags and subcommands stay out
// of scope; everything tunable comes from the environment.
type Config struct {
	// Fuzzing.
	Episodes    int           `env:"GAUNTLET_EPISODES" envDefault:"50"`
	Concurrency int           `env:"GAUNTLET_CONCURRENCY" envDefault:"8"`
	MaxSteps    int           `env:"GAUNTLET_MAX_STEPS" envDefault:"400"`
	Timeout     time.Duration `env:"GAUNTLET_UPDATE_TIMEOUT" envDefault:"10s"`
	Seed        int64         `env:"GAUNTLET_SEED" envDefault:"1"`
	OutDir      string        `env:"GAUNTLET_OUT_DIR" envDefault:"runs"`

	// Stall detection.
	StallThreshold  int  `env:"GAUNTLET_STALL_THRESHOLD" envDefault:"20"`
	StallAllPlayers bool `env:"GAUNTLET_STALL_ALL_PLAYERS" envDefault:"false"`

	// Training.
	Workers         int     `env:"GAUNTLET_WORKERS" envDefault:"4"`
	EpisodesPerSync int     `env:"GAUNTLET_EPISODES_PER_SYNC" envDefault:"4"`
	Parallelism     int     `env:"GAUNTLET_WORKER_PARALLELISM" envDefault:"4"`
	Epochs          int     `env:"GAUNTLET_EPOCHS" envDefault:"4"`
	MinibatchSize   int     `env:"GAUNTLET_MINIBATCH" envDefault:"64"`
	Gamma           float64 `env:"GAUNTLET_GAMMA" envDefault:"0.99"`
	Lambda          float64 `env:"GAUNTLET_LAMBDA" envDefault:"0.95"`
	ClipEpsilon     float64 `env:"GAUNTLET_CLIP_EPSILON" envDefault:"0.2"`
	LearningRate    float64 `env:"GAUNTLET_LEARNING_RATE" envDefault:"0.01"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Exitf writes a formatted error to stderr and exits with code 1. It is the
// single fatal-exit path for the entry point.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
