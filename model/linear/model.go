// Package linear は入力正規化つきのソフトマックス回帰。
// 訓練データ自身の評価 (model.CanFit) で正規化の統計を取り直し、BNUpdates で反映する。
package linear

import (
	"fmt"
	"io"
	"math/rand"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/sw965/sgdloop/blas32/tensor/2d"
	"github.com/sw965/sgdloop/mathx"
	"github.com/sw965/sgdloop/model"
	"github.com/sw965/sgdloop/optimizer"
	"github.com/sw965/sgdloop/parallel"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// DefaultParallel は物理コア数。取得できなければ論理CPU数。
func DefaultParallel() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

type Model struct {
	Parameter Parameter
	Norm      Normalization
	// Parallel はバッチ内の行を処理するワーカー数。
	Parallel int
	// Momentum が 0 より大きければ速度つきで更新する。
	Momentum float32

	pending *Normalization
	// 直前の更新の勾配の最大絶対値
	gradW, gradB float32
	velW         *optimizer.Momentum
	velB         *optimizer.Momentum
}

var _ model.Model = (*Model)(nil)

func New(inputs, outputs int, rng *rand.Rand) (*Model, error) {
	if inputs <= 0 || outputs <= 1 {
		return nil, fmt.Errorf("linear: need inputs > 0 and outputs > 1 (got %d and %d)", inputs, outputs)
	}
	return &Model{
		Parameter: Parameter{
			Weight: tensor2d.NewHe(inputs, outputs, rng),
			Bias:   make([]float32, outputs),
		},
		Norm:     NewIdentityNormalization(inputs),
		Parallel: DefaultParallel(),
	}, nil
}

func (m *Model) checkShape(x, y blas32.General) error {
	if x.Rows != y.Rows {
		return fmt.Errorf("linear: batch has %d feature rows and %d label rows", x.Rows, y.Rows)
	}
	if x.Cols != m.Parameter.Weight.Rows {
		return fmt.Errorf("linear: input has %d features, model expects %d", x.Cols, m.Parameter.Weight.Rows)
	}
	if y.Cols != m.Parameter.Weight.Cols {
		return fmt.Errorf("linear: labels have %d columns, model has %d outputs", y.Cols, m.Parameter.Weight.Cols)
	}
	return nil
}

func (m *Model) normalize(x blas32.General) (blas32.General, error) {
	xn := tensor2d.NewZeros(x.Rows, x.Cols)
	err := parallel.For(x.Rows, m.Parallel, func(_, r int) error {
		m.Norm.applyRow(tensor2d.Row(xn, r), tensor2d.Row(x, r))
		return nil
	})
	return xn, err
}

// predict は正規化済みの入力と、行ごとのソフトマックス出力を返す。
func (m *Model) predict(x blas32.General) (blas32.General, blas32.General, error) {
	xn, err := m.normalize(x)
	if err != nil {
		return blas32.General{}, blas32.General{}, err
	}
	y := tensor2d.Dot(blas.NoTrans, blas.NoTrans, xn, m.Parameter.Weight)
	err = parallel.For(y.Rows, m.Parallel, func(_, r int) error {
		row := tensor2d.Row(y, r)
		for c := range row {
			row[c] += m.Parameter.Bias[c]
		}
		mathx.SoftmaxInPlace(row)
		return nil
	})
	return xn, y, err
}

func (m *Model) Predict(x blas32.General) (blas32.General, error) {
	if x.Cols != m.Parameter.Weight.Rows {
		return blas32.General{}, fmt.Errorf("linear: input has %d features, model expects %d", x.Cols, m.Parameter.Weight.Rows)
	}
	_, y, err := m.predict(x)
	return y, err
}

// MeanLoss はバッチの平均交差エントロピー。
func (m *Model) MeanLoss(x, t blas32.General) (float32, error) {
	if err := m.checkShape(x, t); err != nil {
		return 0, err
	}
	if x.Rows == 0 {
		return 0, nil
	}
	_, y, err := m.predict(x)
	if err != nil {
		return 0, err
	}
	var sum float32
	for r := 0; r < y.Rows; r++ {
		sum += mathx.CrossEntropy(tensor2d.Row(y, r), tensor2d.Row(t, r))
	}
	return sum / float32(x.Rows), nil
}

// ComputeGrad は平均交差エントロピーの勾配を返す。
func (m *Model) ComputeGrad(x, t blas32.General) (GradBuffer, error) {
	if err := m.checkShape(x, t); err != nil {
		return GradBuffer{}, err
	}
	if x.Rows == 0 {
		return m.Parameter.NewGradBufferZerosLike(), nil
	}
	xn, y, err := m.predict(x)
	if err != nil {
		return GradBuffer{}, err
	}

	// ソフトマックス + 交差エントロピーなので dL/du = (y - t) / n
	dLdu := y
	for r := 0; r < dLdu.Rows; r++ {
		row := tensor2d.Row(dLdu, r)
		tr := tensor2d.Row(t, r)
		for c := range row {
			row[c] -= tr[c]
		}
	}
	tensor2d.Scal(1.0/float32(x.Rows), dLdu)

	return GradBuffer{
		Weight: tensor2d.Dot(blas.Trans, blas.NoTrans, xn, dLdu),
		Bias:   tensor2d.Sum0(dLdu).Data,
	}, nil
}

func (m *Model) ParameterUpdates(x, y blas32.General, lr float32) error {
	grad, err := m.ComputeGrad(x, y)
	if err != nil {
		return err
	}
	m.gradW, m.gradB = grad.MaxAbs()
	if m.Momentum <= 0 {
		return m.Parameter.AxpyGrad(-lr, grad)
	}
	if m.velW == nil {
		m.velW = optimizer.NewMomentum(m.Momentum, len(m.Parameter.Weight.Data))
		m.velB = optimizer.NewMomentum(m.Momentum, len(m.Parameter.Bias))
	}
	m.velW.Momentum = m.Momentum
	m.velB.Momentum = m.Momentum
	m.velW.Train(m.Parameter.Weight.Data, grad.Weight.Data, lr)
	m.velB.Train(m.Parameter.Bias, grad.Bias, lr)
	return nil
}

func (m *Model) Errors(x, y blas32.General, mode model.EvalMode) (int, error) {
	if err := m.checkShape(x, y); err != nil {
		return 0, err
	}
	if x.Rows == 0 {
		return 0, nil
	}
	if mode == model.CanFit {
		norm := fitNormalization(x)
		m.pending = &norm
	}

	p, err := m.Predict(x)
	if err != nil {
		return 0, err
	}
	workers := max(m.Parallel, 1)
	wrong := make([]int, workers)
	err = parallel.For(p.Rows, workers, func(workerID, r int) error {
		if mathx.Argmax(tensor2d.Row(p, r)) != mathx.Argmax(tensor2d.Row(y, r)) {
			wrong[workerID]++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, w := range wrong {
		total += w
	}
	return total, nil
}

// BNUpdates は直前の CanFit 評価で集めた統計を正規化に反映する。
// 保留中の統計がなければ何もしない。
func (m *Model) BNUpdates() error {
	if m.pending == nil {
		return nil
	}
	if len(m.pending.Mean) != len(m.Norm.Mean) {
		return fmt.Errorf("linear: pending statistics cover %d features, model has %d", len(m.pending.Mean), len(m.Norm.Mean))
	}
	m.Norm = *m.pending
	m.pending = nil
	return nil
}

func (m *Model) Monitor(w io.Writer) {
	fmt.Fprintf(w, "        weight norm %f\n", tensor2d.Nrm2(m.Parameter.Weight))
	var meanAbs float32
	for _, v := range m.Norm.Mean {
		if v < 0 {
			v = -v
		}
		meanAbs += v
	}
	if len(m.Norm.Mean) > 0 {
		meanAbs /= float32(len(m.Norm.Mean))
	}
	fmt.Fprintf(w, "        input normalization mean |mu| %f\n", meanAbs)
	fmt.Fprintf(w, "        last gradient max |dW| %f max |db| %f\n", m.gradW, m.gradB)
}

func (m *Model) Snapshot() Snapshot {
	return Snapshot{
		Parameter: m.Parameter.Clone(),
		Norm: Normalization{
			Mean: append([]float32(nil), m.Norm.Mean...),
			Std:  append([]float32(nil), m.Norm.Std...),
		},
	}
}

func (m *Model) Restore(s Snapshot) error {
	w := s.Parameter.Weight
	if w.Rows != m.Parameter.Weight.Rows || w.Cols != m.Parameter.Weight.Cols || len(s.Parameter.Bias) != len(m.Parameter.Bias) {
		return fmt.Errorf("linear: snapshot is %dx%d, model is %dx%d", w.Rows, w.Cols, m.Parameter.Weight.Rows, m.Parameter.Weight.Cols)
	}
	if len(s.Norm.Mean) != w.Rows || len(s.Norm.Std) != w.Rows {
		return fmt.Errorf("linear: snapshot normalization covers %d features, want %d", len(s.Norm.Mean), w.Rows)
	}
	m.Parameter = s.Parameter.Clone()
	m.Norm = Normalization{
		Mean: append([]float32(nil), s.Norm.Mean...),
		Std:  append([]float32(nil), s.Norm.Std...),
	}
	m.pending = nil
	m.velW, m.velB = nil, nil
	return nil
}
