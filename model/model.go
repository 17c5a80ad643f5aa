// Package model は学習ループが呼び出すモデルの契約を定める。
// 順伝播・逆伝播・更新則はモデル側の責務で、学習ループは中身を知らない。
package model

import (
	"io"

	"gonum.org/v1/gonum/blas/blas32"
)

// EvalMode tells Errors whether it may refit normalization statistics from the batch.
type EvalMode int

const (
	NoFit EvalMode = iota
	// CanFit is used only when evaluating the training split itself.
	CanFit
)

func (m EvalMode) String() string {
	if m == CanFit {
		return "can_fit"
	}
	return "no_fit"
}

type Model interface {
	// ParameterUpdates performs one training step on the batch (x, y) with learning rate lr.
	ParameterUpdates(x, y blas32.General, lr float32) error
	// Errors returns the number of misclassified rows of (x, y).
	Errors(x, y blas32.General, mode EvalMode) (int, error)
	// BNUpdates commits normalization statistics gathered by the preceding Errors call.
	BNUpdates() error
	Monitor(w io.Writer)
}
