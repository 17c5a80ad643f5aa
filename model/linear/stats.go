package linear

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"
)

const normEpsilon = 1e-5

// Normalization は入力の特徴ごとの平均と標準偏差。x' = (x - Mean) / Std。
type Normalization struct {
	Mean []float32
	Std  []float32
}

func NewIdentityNormalization(dim int) Normalization {
	std := make([]float32, dim)
	for i := range std {
		std[i] = 1
	}
	return Normalization{Mean: make([]float32, dim), Std: std}
}

// fitNormalization はバッチ x の列ごとの平均と分散から正規化を作る。
func fitNormalization(x blas32.General) Normalization {
	dim := x.Cols
	mean := make([]float32, dim)
	std := make([]float32, dim)
	if x.Rows == 0 {
		return NewIdentityNormalization(dim)
	}
	n := float32(x.Rows)
	for r := 0; r < x.Rows; r++ {
		row := x.Data[r*x.Stride : r*x.Stride+dim]
		for c, v := range row {
			mean[c] += v
		}
	}
	for c := range mean {
		mean[c] /= n
	}
	for r := 0; r < x.Rows; r++ {
		row := x.Data[r*x.Stride : r*x.Stride+dim]
		for c, v := range row {
			d := v - mean[c]
			std[c] += d * d
		}
	}
	for c := range std {
		std[c] = math32.Sqrt(std[c]/n + normEpsilon)
	}
	return Normalization{Mean: mean, Std: std}
}

func (n Normalization) applyRow(dst, src []float32) {
	for c, v := range src {
		dst[c] = (v - n.Mean[c]) / n.Std[c]
	}
}
