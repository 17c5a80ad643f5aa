package trainer

import (
	"github.com/sw965/sgdloop/dataset"
	"github.com/sw965/sgdloop/mathx/randx"
	"github.com/sw965/sgdloop/model"
	"github.com/sw965/sgdloop/staging"
)

// Layout は1エポック分のバッチの割り当て。
// Groups*GPUBatches + Remaining == Batches が常に成り立つ。
type Layout struct {
	Batches    int
	GPUBatches int
	Groups     int
	Remaining  int
}

// Partition は n 行を batchSize ごとのバッチに切り、gpuBatches ずつのグループにまとめる。
// 端数の行は捨てる。
func Partition(n, batchSize, gpuBatches int) Layout {
	batches := n / batchSize
	l := Layout{Batches: batches, GPUBatches: gpuBatches}
	if gpuBatches > batches {
		l.Remaining = batches
		return l
	}
	l.Groups = batches / gpuBatches
	l.Remaining = batches % gpuBatches
	return l
}

// load はバッチ単位で [start, start+size) を窓に載せる。分割の末尾を超える分は切り詰める。
func (t *Trainer) load(w staging.Window, s dataset.Split, start, size int) error {
	offset := min(t.cfg.BatchSize*start, s.Len())
	end := min(t.cfg.BatchSize*(start+size), s.Len())
	return w.Refill(s, offset, end-offset)
}

// TrainEpoch は訓練用の分割を1周する。
func (t *Trainer) TrainEpoch(s dataset.Split) error {
	if !t.built {
		return ErrNotBuilt
	}
	l := Partition(s.Len(), t.cfg.BatchSize, t.cfg.GPUBatches)

	for _, i := range randx.Range(l.Groups, t.cfg.ShuffleBatches, t.rng) {
		if err := t.load(t.trainWin, s, i*l.GPUBatches, l.GPUBatches); err != nil {
			return err
		}
		if err := t.trainGroup(l.GPUBatches); err != nil {
			return err
		}
	}

	if l.Remaining > 0 {
		if err := t.load(t.trainWin, s, l.Groups*l.GPUBatches, l.Remaining); err != nil {
			return err
		}
		if err := t.trainGroup(l.Remaining); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) trainGroup(n int) error {
	for _, j := range randx.Range(n, t.cfg.ShuffleBatches, t.rng) {
		if err := t.trainBatch(j, t.state.LR); err != nil {
			return err
		}
	}
	return nil
}

// TestEpoch は分割全体を一度に載せて誤り率を百分率で返す。
func (t *Trainer) TestEpoch(s dataset.Split, mode model.EvalMode) (float64, error) {
	if !t.built {
		return 0, ErrNotBuilt
	}
	n := s.Len()
	if n == 0 {
		return 0, nil
	}
	if err := t.load(t.evalWin, s, 0, n); err != nil {
		return 0, err
	}
	wrong, err := t.testBatch(mode)
	if err != nil {
		return 0, err
	}
	return float64(wrong) / float64(n) * 100, nil
}
