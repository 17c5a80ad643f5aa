//go:build cuda

package staging

import (
	"fmt"
	"unsafe"

	"github.com/sw965/sgdloop/dataset"
	"gorgonia.org/cu"
)

// DeviceBuffer はホスト側の Buffer に載せた窓を CUDA のデバイスメモリにも複製する。
// デバイスメモリは構築時に容量分だけ確保し、Close まで使い回す。
type DeviceBuffer struct {
	*Buffer

	ctx  cu.CUContext
	dx   cu.DevicePtr
	dy   cu.DevicePtr
	open bool
}

func NewDeviceBuffer(ordinal, capacity, xCols, yCols int) (*DeviceBuffer, error) {
	host, err := NewBuffer(capacity, xCols, yCols)
	if err != nil {
		return nil, err
	}

	device, err := cu.GetDevice(ordinal)
	if err != nil {
		return nil, fmt.Errorf("staging: get device %d: %w", ordinal, err)
	}
	ctx, err := device.MakeContext(cu.SchedAuto)
	if err != nil {
		return nil, fmt.Errorf("staging: create context: %w", err)
	}
	if err := ctx.Lock(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("staging: lock context: %w", err)
	}

	d := &DeviceBuffer{Buffer: host, ctx: ctx, open: true}
	elem := int64(unsafe.Sizeof(float32(0)))
	d.dx, err = cu.MemAlloc(int64(capacity*xCols) * elem)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("staging: allocate %d feature rows on device: %w", capacity, err)
	}
	d.dy, err = cu.MemAlloc(int64(capacity*yCols) * elem)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("staging: allocate %d label rows on device: %w", capacity, err)
	}
	return d, nil
}

// NewDeviceWindow is a Factory placing windows on CUDA device 0.
func NewDeviceWindow(capacity, xCols, yCols int) (Window, error) {
	d, err := NewDeviceBuffer(0, capacity, xCols, yCols)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DeviceBuffer) Refill(s dataset.Split, offset, length int) error {
	if !d.open {
		return fmt.Errorf("staging: device buffer is closed")
	}
	if err := d.Buffer.Refill(s, offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := cu.SetCurrentContext(d.ctx); err != nil {
		return fmt.Errorf("staging: set device context: %w", err)
	}
	x, y := d.Buffer.Loaded()
	elem := int64(unsafe.Sizeof(float32(0)))
	if err := cu.MemcpyHtoD(d.dx, unsafe.Pointer(&x.Data[0]), int64(length*x.Cols)*elem); err != nil {
		return fmt.Errorf("staging: copy features to device: %w", err)
	}
	if err := cu.MemcpyHtoD(d.dy, unsafe.Pointer(&y.Data[0]), int64(length*y.Cols)*elem); err != nil {
		return fmt.Errorf("staging: copy labels to device: %w", err)
	}
	return nil
}

// DevicePointers は載せた窓のデバイス側の先頭アドレスを返す。
func (d *DeviceBuffer) DevicePointers() (x, y cu.DevicePtr) {
	return d.dx, d.dy
}

func (d *DeviceBuffer) Close() error {
	if !d.open {
		return nil
	}
	d.open = false
	var firstErr error
	for _, ptr := range []cu.DevicePtr{d.dx, d.dy} {
		if ptr == 0 {
			continue
		}
		if err := cu.MemFree(ptr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.dx, d.dy = 0, 0
	d.ctx.Unlock()
	d.ctx.Destroy()
	return firstErr
}
