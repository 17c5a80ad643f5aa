package trainer

import (
	"errors"
	"fmt"
)

// Config は学習アルゴリズムのハイパーパラメータ。
type Config struct {
	LR      float32
	LRDecay float32
	// LRFin は減衰を止める下限。LR がこれ以下になった時点で固定される。
	LRFin float32

	BatchSize int
	// GPUBatches は一度に窓へ載せるバッチ数。
	GPUBatches int

	NEpoch      int
	MonitorStep int

	ShuffleBatches  bool
	ShuffleExamples bool
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("trainer: config is nil")
	}
	if c.LR <= 0 {
		return fmt.Errorf("trainer: learning rate must be > 0 (got %g)", c.LR)
	}
	if c.LRDecay <= 0 || c.LRDecay > 1 {
		return fmt.Errorf("trainer: learning rate decay must be in (0, 1] (got %g)", c.LRDecay)
	}
	if c.LRFin < 0 {
		return fmt.Errorf("trainer: final learning rate must be >= 0 (got %g)", c.LRFin)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("trainer: batch size must be > 0 (got %d)", c.BatchSize)
	}
	if c.GPUBatches <= 0 {
		return fmt.Errorf("trainer: gpu_batches must be > 0 (got %d)", c.GPUBatches)
	}
	if c.NEpoch < 0 {
		return fmt.Errorf("trainer: number of epochs must be >= 0 (got %d)", c.NEpoch)
	}
	if c.MonitorStep <= 0 {
		return fmt.Errorf("trainer: monitor step must be > 0 (got %d)", c.MonitorStep)
	}
	return nil
}
