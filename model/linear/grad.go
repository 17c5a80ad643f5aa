package linear

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"
)

type GradBuffer struct {
	Weight blas32.General
	Bias   []float32
}

func (g *GradBuffer) MaxAbs() (float32, float32) {
	wMax := float32(0.0)
	for _, w := range g.Weight.Data {
		if a := math32.Abs(w); a > wMax {
			wMax = a
		}
	}

	bMax := float32(0.0)
	for _, b := range g.Bias {
		if a := math32.Abs(b); a > bMax {
			bMax = a
		}
	}
	return wMax, bMax
}
