package tensor2d

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewHe(rows, cols int, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	fanIn := float64(rows)
	std := math.Sqrt(2.0 / fanIn)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

// FromRows は行スライスから行優先の行列を作る。全行の長さが揃っていなければエラー。
func FromRows(rows [][]float32) (blas32.General, error) {
	if len(rows) == 0 {
		return blas32.General{}, nil
	}
	cols := len(rows[0])
	gen := NewZeros(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return blas32.General{}, fmt.Errorf("row %d has %d columns, want %d", i, len(row), cols)
		}
		copy(gen.Data[i*gen.Stride:], row)
	}
	return gen, nil
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

func Row(gen blas32.General, i int) []float32 {
	offset := i * gen.Stride
	return gen.Data[offset : offset+gen.Cols]
}

// Slice は行 [start, end) を共有するビューを返す。
func Slice(gen blas32.General, start, end int) blas32.General {
	if start == end {
		return blas32.General{Rows: 0, Cols: gen.Cols, Stride: gen.Stride}
	}
	return blas32.General{
		Rows:   end - start,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   gen.Data[start*gen.Stride : (end-1)*gen.Stride+gen.Cols],
	}
}

// CopyRows は src の全行を dst の先頭行へコピーする。dst の残りの行には触れない。
func CopyRows(dst, src blas32.General) {
	if src.Rows == 0 {
		return
	}
	if src.Stride == src.Cols && dst.Stride == dst.Cols {
		copy(dst.Data[:N(src)], src.Data[:N(src)])
		return
	}
	for i := 0; i < src.Rows; i++ {
		copy(Row(dst, i), Row(src, i))
	}
}

// Gather は gen の行を dst[i] = gen[idxs[i]] となるよう並べ替えて書き込む。
func Gather(dst, gen blas32.General, idxs []int) {
	for i, idx := range idxs {
		copy(Row(dst, i), Row(gen, idx))
	}
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

func Axpy(alpha float32, x, y blas32.General) {
	xv := ToVector(x)
	yv := ToVector(y)
	blas32.Axpy(alpha, xv, yv)
}

func Nrm2(gen blas32.General) float32 {
	return blas32.Nrm2(ToVector(gen))
}

func Sum0(gen blas32.General) blas32.Vector {
	sums := make([]float32, gen.Cols)
	for c := 0; c < gen.Cols; c++ {
		var sum float32
		for r := 0; r < gen.Rows; r++ {
			sum += gen.Data[At(gen, r, c)]
		}
		sums[c] = sum
	}
	return blas32.Vector{
		N:    gen.Cols,
		Inc:  1,
		Data: sums,
	}
}

func Dot(tA, tB blas.Transpose, a, b blas32.General) blas32.General {
	rows, cols := a.Rows, b.Cols
	if tA == blas.Trans {
		rows = a.Cols
	}
	if tB == blas.Trans {
		cols = b.Rows
	}
	y := NewZeros(rows, cols)
	blas32.Gemm(tA, tB, 1.0, a, b, 0.0, y)
	return y
}
