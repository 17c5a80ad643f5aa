package dataset

import (
	"fmt"

	"github.com/sw965/sgdloop/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas/blas32"
)

// OneHot は整数ラベルを one-hot の行列に変換する。
func OneHot(labels []int, classes int) (blas32.General, error) {
	y := tensor2d.NewZeros(len(labels), classes)
	for i, label := range labels {
		if label < 0 || label >= classes {
			return blas32.General{}, fmt.Errorf("label out of range at index %d: %d", i, label)
		}
		y.Data[tensor2d.At(y, i, label)] = 1
	}
	return y, nil
}

// SplitRows は行を先頭から train, valid, test の順に分ける。残りは test に入る。
func SplitRows(s Split, train, valid int) (Set, error) {
	n := s.Len()
	if train < 0 || valid < 0 || train+valid > n {
		return Set{}, fmt.Errorf("cannot take %d train and %d valid rows from %d", train, valid, n)
	}
	return Set{
		Train: s.Rows(0, train),
		Valid: s.Rows(train, train+valid),
		Test:  s.Rows(train+valid, n),
	}, nil
}
