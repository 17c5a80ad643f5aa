package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sw965/sgdloop/trainer"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	LR              float32 `json:"lr"`
	LRDecay         float32 `json:"lr_decay"`
	LRFin           float32 `json:"lr_fin"`
	Momentum        float32 `json:"momentum"`
	BatchSize       int     `json:"batch_size"`
	GPUBatches      int     `json:"gpu_batches"`
	NEpoch          int     `json:"n_epoch"`
	MonitorStep     int     `json:"monitor_step"`
	ShuffleBatches  bool    `json:"shuffle_batches"`
	ShuffleExamples bool    `json:"shuffle_examples"`
	Seed            int64   `json:"seed"`

	// Data is a gob dataset path or URL. Empty means synthetic blobs.
	Data string `json:"data"`
	// Out receives the best parameters as JSON. Empty disables checkpointing.
	Out    string `json:"out"`
	Resume string `json:"resume"`

	Blobs Blobs `json:"blobs"`
}

// Blobs describes the synthetic dataset used when Data is empty.
type Blobs struct {
	Rows    int     `json:"rows"`
	Dim     int     `json:"dim"`
	Classes int     `json:"classes"`
	Spread  float64 `json:"spread"`
	Train   int     `json:"train"`
	Valid   int     `json:"valid"`
}

// Overrides captures CLI supplied values. Nil fields and empty strings are
// left alone, so an explicit zero still overrides the file.
type Overrides struct {
	LR              *float32
	LRDecay         *float32
	LRFin           *float32
	Momentum        *float32
	BatchSize       *int
	GPUBatches      *int
	NEpoch          *int
	MonitorStep     *int
	ShuffleBatches  *bool
	ShuffleExamples *bool
	Seed            *int64
	Data            string
	Out             string
	Resume          string
}

func Default() *Config {
	return &Config{
		LR:          0.1,
		LRDecay:     0.95,
		LRFin:       0.001,
		BatchSize:   32,
		GPUBatches:  8,
		NEpoch:      20,
		MonitorStep: 1,
		Seed:        1,
		Blobs: Blobs{
			Rows:    3000,
			Dim:     8,
			Classes: 4,
			Spread:  1.0,
			Train:   2000,
			Valid:   500,
		},
	}
}

// Load reads a Config from JSON on top of Default. Fields absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using every override that was set.
func (c *Config) ApplyOverrides(o Overrides) {
	set(&c.LR, o.LR)
	set(&c.LRDecay, o.LRDecay)
	set(&c.LRFin, o.LRFin)
	set(&c.Momentum, o.Momentum)
	set(&c.BatchSize, o.BatchSize)
	set(&c.GPUBatches, o.GPUBatches)
	set(&c.NEpoch, o.NEpoch)
	set(&c.MonitorStep, o.MonitorStep)
	set(&c.ShuffleBatches, o.ShuffleBatches)
	set(&c.ShuffleExamples, o.ShuffleExamples)
	set(&c.Seed, o.Seed)
	if o.Data != "" {
		c.Data = o.Data
	}
	if o.Out != "" {
		c.Out = o.Out
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	tc := c.ToTrainer()
	if err := tc.Validate(); err != nil {
		return err
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.Data != "" {
		return nil
	}
	b := c.Blobs
	if b.Rows <= 0 || b.Dim <= 0 {
		return fmt.Errorf("blobs.rows and blobs.dim must be > 0 (got %d and %d)", b.Rows, b.Dim)
	}
	if b.Classes < 2 {
		return fmt.Errorf("blobs.classes must be >= 2 (got %d)", b.Classes)
	}
	if b.Spread < 0 {
		return fmt.Errorf("blobs.spread must be >= 0 (got %v)", b.Spread)
	}
	if b.Train <= 0 || b.Valid <= 0 || b.Train+b.Valid >= b.Rows {
		return fmt.Errorf("blobs.train=%d and blobs.valid=%d must be > 0 and leave test rows out of %d", b.Train, b.Valid, b.Rows)
	}
	return nil
}

func (c *Config) ToTrainer() trainer.Config {
	return trainer.Config{
		LR:              c.LR,
		LRDecay:         c.LRDecay,
		LRFin:           c.LRFin,
		BatchSize:       c.BatchSize,
		GPUBatches:      c.GPUBatches,
		NEpoch:          c.NEpoch,
		MonitorStep:     c.MonitorStep,
		ShuffleBatches:  c.ShuffleBatches,
		ShuffleExamples: c.ShuffleExamples,
	}
}
