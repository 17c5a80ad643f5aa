// Package dataset は特徴行列とラベル行列の組を保持し、行の対応を保ったままシャッフルする。
package dataset

import (
	"fmt"

	"github.com/sw965/sgdloop/blas32/tensor/2d"
	"github.com/sw965/sgdloop/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

// Split は X (N×D) と Y (N×C) の組。X の i 行目と Y の i 行目は常に対応する。
type Split struct {
	X blas32.General
	Y blas32.General
}

func New(x, y blas32.General) (Split, error) {
	if x.Rows != y.Rows {
		return Split{}, fmt.Errorf("feature rows (%d) and label rows (%d) differ", x.Rows, y.Rows)
	}
	return Split{X: x, Y: y}, nil
}

func (s Split) Len() int {
	return s.X.Rows
}

func (s Split) Rows(start, end int) Split {
	return Split{
		X: tensor2d.Slice(s.X, start, end),
		Y: tensor2d.Slice(s.Y, start, end),
	}
}

func (s Split) Clone() Split {
	return Split{X: tensor2d.Clone(s.X), Y: tensor2d.Clone(s.Y)}
}

// Shuffle は一様な置換で X と Y の行を同じ順に並べ替える。
func Shuffle(s *Split, r randx.Shuffler) {
	n := s.Len()
	if n < 2 {
		return
	}
	perm := randx.Perm(n, r)
	src := s.Clone()
	tensor2d.Gather(s.X, src.X, perm)
	tensor2d.Gather(s.Y, src.Y, perm)
}

// Set は1回の学習で使う3つの分割。
type Set struct {
	Train Split
	Valid Split
	Test  Split
}

func (s *Set) Validate() error {
	named := []struct {
		name  string
		split Split
	}{
		{"train", s.Train},
		{"valid", s.Valid},
		{"test", s.Test},
	}
	for _, n := range named {
		if n.split.X.Rows != n.split.Y.Rows {
			return fmt.Errorf("%s split: feature rows (%d) and label rows (%d) differ", n.name, n.split.X.Rows, n.split.Y.Rows)
		}
		if n.split.Len() == 0 {
			return fmt.Errorf("%s split is empty", n.name)
		}
		if n.split.X.Cols != s.Train.X.Cols {
			return fmt.Errorf("%s split has %d features, train has %d", n.name, n.split.X.Cols, s.Train.X.Cols)
		}
		if n.split.Y.Cols != s.Train.Y.Cols {
			return fmt.Errorf("%s split has %d label columns, train has %d", n.name, n.split.Y.Cols, s.Train.Y.Cols)
		}
	}
	return nil
}

// MaxLen は3つの分割のうち最大の行数を返す。
func (s *Set) MaxLen() int {
	return max(s.Train.Len(), s.Valid.Len(), s.Test.Len())
}
