package dataset

import (
	"math/rand"

	"github.com/sw965/sgdloop/blas32/tensor/2d"
)

// NewBlobs はクラスごとに中心をずらした正規分布から n 行の分類データを作る。
// ラベルは one-hot で、クラスは行ごとに一様に選ぶ。
func NewBlobs(n, dim, classes int, spread float64, rng *rand.Rand) Split {
	centers := tensor2d.NewZeros(classes, dim)
	for i := range centers.Data {
		centers.Data[i] = float32(rng.NormFloat64() * 3.0)
	}

	x := tensor2d.NewZeros(n, dim)
	y := tensor2d.NewZeros(n, classes)
	for i := 0; i < n; i++ {
		c := rng.Intn(classes)
		center := tensor2d.Row(centers, c)
		row := tensor2d.Row(x, i)
		for j := range row {
			row[j] = center[j] + float32(rng.NormFloat64()*spread)
		}
		y.Data[tensor2d.At(y, i, c)] = 1
	}
	return Split{X: x, Y: y}
}
