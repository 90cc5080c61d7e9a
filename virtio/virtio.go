// Package virtio implements a driver for a paravirtualized entropy device.
// The driver submits write-only buffers to the device over a split virtqueue
// and periodically feeds the returned bytes to an entropy sink.
package virtio

import (
	"fmt"

	"github.com/c35s/vent/virtq"
)

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	EntropyDeviceID = DeviceID(4)
)

// Interrupt causes, delivered to the handler registered with
// Transport.SetInterrupt. A single callback may carry both bits.
const (
	IRQRingUpdate   = 1 << 0 // the device has used at least 1 buffer
	IRQConfigChange = 1 << 1 // the configuration of the device has changed
)

// Transport is the virtio transport the driver is bound to. It owns config
// space access, DMA pinning, doorbells, and interrupt delivery. The driver
// consumes it; it never reimplements it.
type Transport interface {

	// AllocDMA pins a physically contiguous memory region of at least size
	// bytes and returns a handle to it.
	AllocDMA(size int) (DMA, error)

	// BindQueue programs the device with the location of queue q's split-ring
	// areas within the given DMA region.
	BindQueue(q uint16, lo virtq.Layout, mem DMA) error

	// Notify rings the doorbell for queue q.
	Notify(q uint16) error

	// SetInterrupt registers fn to be called when the device raises an
	// interrupt. The cause is a bitmask of IRQRingUpdate and IRQConfigChange.
	// A nil fn unregisters the handler.
	SetInterrupt(fn func(cause uint32))
}

// DMA is a pinned, physically contiguous memory region.
type DMA interface {

	// Bytes returns the region's memory.
	Bytes() []byte

	// Addr returns the region's bus address, as seen by the device.
	Addr() uint64

	// Close unpins and releases the region.
	Close() error
}

// Sink accepts entropy on behalf of the kernel's randomness pool.
type Sink interface {
	AddEntropy(p []byte)
}

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case EntropyDeviceID:
		return "entropy"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
