// Package staging は大きな分割の一部だけを固定容量の窓に載せ替えるバッファを提供する。
// 窓は構築時に一度だけ確保され、Refill のたびに内容を丸ごと上書きする。
package staging

import (
	"errors"
	"fmt"

	"github.com/sw965/sgdloop/blas32/tensor/2d"
	"github.com/sw965/sgdloop/dataset"
	"gonum.org/v1/gonum/blas/blas32"
)

var ErrCapacity = errors.New("staging: request exceeds window capacity")

// Window is a fixed-capacity cache over a contiguous run of rows of a split.
type Window interface {
	// Refill replaces the window contents with rows [offset, offset+length) of s.
	Refill(s dataset.Split, offset, length int) error
	Capacity() int
	// Len is the number of rows made valid by the last Refill.
	Len() int
	// Batch returns rows [i*batchSize, (i+1)*batchSize) of the loaded region.
	Batch(i, batchSize int) (x, y blas32.General)
	Loaded() (x, y blas32.General)
	Close() error
}

// Factory builds a window of the given row capacity and column widths.
type Factory func(capacity, xCols, yCols int) (Window, error)

type Buffer struct {
	x      blas32.General
	y      blas32.General
	length int
	offset int
}

func NewBuffer(capacity, xCols, yCols int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("staging: capacity must be > 0 (got %d)", capacity)
	}
	if xCols <= 0 || yCols <= 0 {
		return nil, fmt.Errorf("staging: column widths must be > 0 (got %d and %d)", xCols, yCols)
	}
	return &Buffer{
		x: tensor2d.NewZeros(capacity, xCols),
		y: tensor2d.NewZeros(capacity, yCols),
	}, nil
}

// NewHostWindow is a Factory for host-memory buffers.
func NewHostWindow(capacity, xCols, yCols int) (Window, error) {
	b, err := NewBuffer(capacity, xCols, yCols)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Buffer) Refill(s dataset.Split, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > s.Len() {
		return fmt.Errorf("staging: rows [%d, %d) out of range for split of %d rows", offset, offset+length, s.Len())
	}
	if length > b.x.Rows {
		return fmt.Errorf("%w: %d rows requested, capacity %d", ErrCapacity, length, b.x.Rows)
	}
	if s.X.Cols != b.x.Cols || s.Y.Cols != b.y.Cols {
		return fmt.Errorf("staging: split is %d/%d columns wide, window %d/%d", s.X.Cols, s.Y.Cols, b.x.Cols, b.y.Cols)
	}
	src := s.Rows(offset, offset+length)
	tensor2d.CopyRows(b.x, src.X)
	tensor2d.CopyRows(b.y, src.Y)
	b.offset = offset
	b.length = length
	return nil
}

func (b *Buffer) Capacity() int {
	return b.x.Rows
}

func (b *Buffer) Len() int {
	return b.length
}

// Offset は最後に載せた行の、元の分割での開始位置。
func (b *Buffer) Offset() int {
	return b.offset
}

func (b *Buffer) Batch(i, batchSize int) (blas32.General, blas32.General) {
	start := i * batchSize
	end := start + batchSize
	if start < 0 || end > b.length {
		panic(fmt.Sprintf("staging: batch %d of size %d outside the %d loaded rows", i, batchSize, b.length))
	}
	return tensor2d.Slice(b.x, start, end), tensor2d.Slice(b.y, start, end)
}

func (b *Buffer) Loaded() (blas32.General, blas32.General) {
	return tensor2d.Slice(b.x, 0, b.length), tensor2d.Slice(b.y, 0, b.length)
}

func (b *Buffer) Close() error {
	return nil
}
