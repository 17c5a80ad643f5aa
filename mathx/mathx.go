package mathx

import (
	"github.com/chewxy/math32"
	"golang.org/x/exp/constraints"
)

func CentralDifference[X constraints.Float](plusY, minusY, h X) X {
	return (plusY - minusY) / (2.0 * h)
}

func NumericalGradient[X constraints.Float](xs []X, f func([]X) X) []X {
	h := X(0.0001)
	n := len(xs)
	grad := make([]X, n)
	for i := 0; i < n; i++ {
		tmp := xs[i]
		xs[i] = tmp + h
		y1 := f(xs)

		xs[i] = tmp - h
		y2 := f(xs)

		grad[i] = CentralDifference(y1, y2, h)
		xs[i] = tmp
	}
	return grad
}

// SoftmaxInPlace はオーバーフローを避けるため最大値を引いてから指数を取る。
func SoftmaxInPlace(u []float32) {
	if len(u) == 0 {
		return
	}
	max := u[0]
	for _, v := range u[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range u {
		e := math32.Exp(v - max)
		u[i] = e
		sum += e
	}
	for i := range u {
		u[i] /= sum
	}
}

// Argmax は最大値のインデックスを返す。同値の場合は最初のもの。
func Argmax[X constraints.Ordered](xs []X) int {
	idx := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[idx] {
			idx = i
		}
	}
	return idx
}

func CrossEntropy(y, t []float32) float32 {
	const eps = 1e-7
	var loss float32
	for i := range y {
		loss -= t[i] * math32.Log(y[i]+eps)
	}
	return loss
}
