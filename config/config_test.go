package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sw965/sgdloop/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `{"lr": 0.5, "batch_size": 16, "shuffle_batches": true, "blobs": {"rows": 600}}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	def := config.Default()
	if cfg.LR != 0.5 || cfg.BatchSize != 16 || !cfg.ShuffleBatches {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LRDecay != def.LRDecay || cfg.GPUBatches != def.GPUBatches {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Blobs.Rows != 600 || cfg.Blobs.Dim != def.Blobs.Dim {
		t.Errorf("blobs = %+v", cfg.Blobs)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file loaded")
	}
	path := writeConfig(t, `{"lr": "fast"}`)
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("got %v, want a parse error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.ShuffleBatches = true
	cfg.ApplyOverrides(config.Overrides{
		LR:              ptr[float32](0.3),
		GPUBatches:      ptr(2),
		ShuffleBatches:  ptr(false),
		ShuffleExamples: ptr(true),
		Out:             "best.json",
	})
	if cfg.LR != 0.3 || cfg.GPUBatches != 2 || cfg.Out != "best.json" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ShuffleBatches || !cfg.ShuffleExamples {
		t.Errorf("bool overrides: shuffle_batches=%t shuffle_examples=%t", cfg.ShuffleBatches, cfg.ShuffleExamples)
	}
	if cfg.BatchSize != config.Default().BatchSize {
		t.Errorf("unset override changed batch size to %d", cfg.BatchSize)
	}
}

func TestApplyOverridesExplicitZero(t *testing.T) {
	cfg := config.Default()
	cfg.Momentum = 0.9
	cfg.ApplyOverrides(config.Overrides{
		LRFin:    ptr[float32](0),
		Momentum: ptr[float32](0),
		Seed:     ptr[int64](0),
	})
	if cfg.LRFin != 0 || cfg.Momentum != 0 || cfg.Seed != 0 {
		t.Errorf("explicit zeros ignored: lr_fin=%g momentum=%g seed=%d", cfg.LRFin, cfg.Momentum, cfg.Seed)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero floor and momentum rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"lr", func(c *config.Config) { c.LR = 0 }},
		{"decay", func(c *config.Config) { c.LRDecay = 1.5 }},
		{"momentum", func(c *config.Config) { c.Momentum = 1 }},
		{"batch", func(c *config.Config) { c.BatchSize = 0 }},
		{"classes", func(c *config.Config) { c.Blobs.Classes = 1 }},
		{"no test rows", func(c *config.Config) { c.Blobs.Train = c.Blobs.Rows - c.Blobs.Valid }},
	}
	for _, test := range tests {
		cfg := config.Default()
		test.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: config accepted", test.name)
		}
	}

	// データファイルを使うときは blobs の設定を見ない
	cfg := config.Default()
	cfg.Data = "set.gob"
	cfg.Blobs = config.Blobs{}
	if err := cfg.Validate(); err != nil {
		t.Errorf("blobs checked with a data file: %v", err)
	}

	var nilCfg *config.Config
	if err := nilCfg.Validate(); err == nil {
		t.Error("nil config accepted")
	}
}

func TestToTrainer(t *testing.T) {
	cfg := config.Default()
	cfg.ShuffleExamples = true
	tc := cfg.ToTrainer()
	if tc.LR != cfg.LR || tc.BatchSize != cfg.BatchSize || tc.NEpoch != cfg.NEpoch || !tc.ShuffleExamples {
		t.Errorf("ToTrainer() = %+v from %+v", tc, cfg)
	}
}
