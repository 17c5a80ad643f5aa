package linear

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/sw965/sgdloop/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas/blas32"
)

// Parameter は入力次元×出力次元の重みと出力次元のバイアス。
type Parameter struct {
	Weight blas32.General
	Bias   []float32
}

func (p Parameter) Clone() Parameter {
	return Parameter{
		Weight: tensor2d.Clone(p.Weight),
		Bias:   slices.Clone(p.Bias),
	}
}

func (p Parameter) NewGradBufferZerosLike() GradBuffer {
	return GradBuffer{
		Weight: tensor2d.NewZerosLike(p.Weight),
		Bias:   make([]float32, len(p.Bias)),
	}
}

func (p *Parameter) AxpyGrad(alpha float32, grad GradBuffer) error {
	if grad.Weight.Rows != p.Weight.Rows || grad.Weight.Cols != p.Weight.Cols || len(grad.Bias) != len(p.Bias) {
		return fmt.Errorf("gradient shape %dx%d/%d does not match parameter %dx%d/%d",
			grad.Weight.Rows, grad.Weight.Cols, len(grad.Bias), p.Weight.Rows, p.Weight.Cols, len(p.Bias))
	}
	tensor2d.Axpy(alpha, grad.Weight, p.Weight)
	for i := range p.Bias {
		p.Bias[i] += alpha * grad.Bias[i]
	}
	return nil
}

// Snapshot は保存・復元の単位。正規化の統計も一緒に持つ。
type Snapshot struct {
	Parameter Parameter
	Norm      Normalization
}

func (s Snapshot) SaveJSON(path string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func LoadSnapshotJSON(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}
