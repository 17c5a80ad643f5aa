package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Momentum は速度つきの SGD。Momentum が 0 なら素の SGD と同じ更新になる。
type Momentum struct {
	Momentum float32
	Velocity []float32
}

func NewMomentum(momentum float32, n int) *Momentum {
	return &Momentum{Momentum: momentum, Velocity: make([]float32, n)}
}

// Train は v = momentum*v - lr*grad, w += v で w を更新する。
func (opt *Momentum) Train(w, grad []float32, lr float32) {
	if len(w) != len(grad) || len(w) != len(opt.Velocity) {
		panic(fmt.Sprintf("optimizer: len(w)=%d len(grad)=%d len(velocity)=%d", len(w), len(grad), len(opt.Velocity)))
	}
	n := len(w)
	v := blas32.Vector{N: n, Inc: 1, Data: opt.Velocity}
	blas32.Scal(opt.Momentum, v)
	blas32.Axpy(-lr, blas32.Vector{N: n, Inc: 1, Data: grad}, v)
	blas32.Axpy(1, v, blas32.Vector{N: n, Inc: 1, Data: w})
}

func (opt *Momentum) Reset() {
	clear(opt.Velocity)
}
