// Package virtq implements the driver side of split virtqueues as described
// by the Virtual I/O Device (VIRTIO) Version 1.2 spec. Packed virtqueues are
// not supported.
package virtq

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Desc is a descriptor in a split virtqueue. Its layout is the binary
// contract with the device and must not change.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Used is an element of the used ring. ID is the index of the head of a
// completed descriptor chain and Len is the number of bytes the device wrote.
type Used struct {
	ID  uint32
	Len uint32
}

const (
	DescFNext  = 1 // buffer continues in the next descriptor
	DescFWrite = 2 // buffer is device wo (otherwise ro)
)

const (
	descSize     = 16 // sizeof(Desc)
	usedElemSize = 8  // sizeof(Used)
)

// ErrExhausted is returned by Allocate when the free list is empty. With a
// correctly sized ring it indicates a descriptor accounting bug, not a
// transient condition.
var ErrExhausted = errors.New("virtq: no free descriptors")

// Layout describes where the three areas of a split virtqueue live within a
// single region of DMA memory. The descriptor table requires 16-byte
// alignment; the available and used rings are placed on 4-byte boundaries so
// each ring's flags+idx header can be accessed as one aligned 32-bit word.
type Layout struct {
	Size     int // ring size N, a power of two
	DescOff  int // descriptor table, 16*N bytes
	AvailOff int // {flags u16, idx u16, ring[N] u16, used_event u16}
	UsedOff  int // {flags u16, idx u16, ring[N]{id u32, len u32}, avail_event u16}
	Total    int // total region size in bytes
}

// LayoutFor computes the layout of a split virtqueue with the given size.
func LayoutFor(size int) (Layout, error) {
	if size < 1 || size&(size-1) != 0 || size > 1<<15 {
		return Layout{}, fmt.Errorf("virtq: ring size %d is not a power of two in [1, 2^15]", size)
	}

	var (
		availOff = align(descSize*size, 4)
		usedOff  = align(availOff+6+2*size, 4)
	)

	return Layout{
		Size:     size,
		DescOff:  0,
		AvailOff: availOff,
		UsedOff:  usedOff,
		Total:    align(usedOff+6+usedElemSize*size, 4),
	}, nil
}

// Config holds a ring's callbacks.
type Config struct {

	// Notify is called after Submit publishes a descriptor. It rings the
	// device's doorbell. A nil Notify means the device polls.
	Notify func() error
}

// Ring is the driver side of a split virtqueue. Its methods are not safe for
// concurrent use: the caller serializes access between the submitting
// goroutine and the interrupt goroutine.
type Ring struct {
	desc  []Desc
	avail ringHalf
	used  ringHalf
	cfg   Config

	free     []uint16
	inflight []bool
	availIdx uint16
	lastUsed uint16
}

// ringHalf is one of the two index rings. hdr is the aligned flags+idx word:
// flags in the low half, idx in the high half (little-endian layout). The
// driver release-stores the available hdr and acquire-loads the used hdr.
type ringHalf struct {
	hdr  *uint32
	ring unsafe.Pointer
}

// New wraps a ring around the given DMA memory, which must be at least
// lo.Total bytes and 16-byte aligned. The memory is zeroed: the device must
// not be processing the queue yet.
func New(mem []byte, lo Layout, cfg Config) (*Ring, error) {
	if len(mem) < lo.Total {
		return nil, fmt.Errorf("virtq: ring memory is too small: %d < %d", len(mem), lo.Total)
	}

	if uintptr(unsafe.Pointer(&mem[0]))%descSize != 0 {
		return nil, fmt.Errorf("virtq: ring memory is not %d-byte aligned", descSize)
	}

	for i := range mem[:lo.Total] {
		mem[i] = 0
	}

	r := &Ring{
		desc: unsafe.Slice((*Desc)(unsafe.Pointer(&mem[lo.DescOff])), lo.Size),

		avail: ringHalf{
			hdr:  (*uint32)(unsafe.Pointer(&mem[lo.AvailOff])),
			ring: unsafe.Pointer(&mem[lo.AvailOff+4]),
		},

		used: ringHalf{
			hdr:  (*uint32)(unsafe.Pointer(&mem[lo.UsedOff])),
			ring: unsafe.Pointer(&mem[lo.UsedOff+4]),
		},

		cfg:      cfg,
		free:     make([]uint16, 0, lo.Size),
		inflight: make([]bool, lo.Size),
	}

	for i := lo.Size - 1; i >= 0; i-- {
		r.free = append(r.free, uint16(i))
	}

	return r, nil
}

// Size returns the number of descriptors in the ring.
func (r *Ring) Size() int {
	return len(r.desc)
}

// FreeCount returns the number of unallocated descriptors.
func (r *Ring) FreeCount() int {
	return len(r.free)
}

// Allocate takes a descriptor index from the free list.
func (r *Ring) Allocate() (uint16, error) {
	if len(r.free) == 0 {
		return 0, ErrExhausted
	}

	i := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	return i, nil
}

// Free returns an allocated but never-submitted descriptor to the free list.
func (r *Ring) Free(i uint16) {
	if r.inflight[i] {
		panic("descriptor is in flight")
	}

	r.free = append(r.free, i)
}

// Submit points descriptor i at a single buffer, publishes it into the
// available ring, and notifies the device. The buffer is device-owned until
// ReclaimCompleted returns i: until then the driver must not touch it.
func (r *Ring) Submit(i uint16, addr uint64, length uint32, deviceWritable bool) error {
	if r.inflight[i] {
		panic("descriptor is already in flight")
	}

	var flags uint16
	if deviceWritable {
		flags = DescFWrite
	}

	r.desc[i] = Desc{
		Addr:  addr,
		Len:   length,
		Flags: flags,
	}

	*r.availEntry(r.availIdx) = i
	r.availIdx++

	// The store of the new index is the release point: the device must
	// observe the descriptor and the ring slot before it observes the index.
	atomic.StoreUint32(r.avail.hdr, uint32(r.availIdx)<<16)

	r.inflight[i] = true

	if r.cfg.Notify != nil {
		if err := r.cfg.Notify(); err != nil {
			return fmt.Errorf("virtq: notify: %w", err)
		}
	}

	return nil
}

// ReclaimCompleted drains used entries published by the device since the last
// drain, returning each completed descriptor to the free list. It never
// blocks, so it is safe to call from an interrupt handler. An entry that was
// never submitted, or is seen twice, is a protocol violation and panics.
func (r *Ring) ReclaimCompleted() []Used {
	var out []Used

	for {
		// Acquire load: pairs with the device's release store of the used
		// index, so the used entries read below are not stale.
		devIdx := uint16(atomic.LoadUint32(r.used.hdr) >> 16)

		if devIdx == r.lastUsed {
			return out
		}

		for r.lastUsed != devIdx {
			e := *r.usedEntry(r.lastUsed)
			r.lastUsed++

			if int(e.ID) >= len(r.desc) || !r.inflight[e.ID] {
				panic(fmt.Sprintf("virtq: used entry %d was not submitted", e.ID))
			}

			r.inflight[e.ID] = false
			r.free = append(r.free, uint16(e.ID))
			out = append(out, e)
		}
	}
}

func (r *Ring) availEntry(idx uint16) *uint16 {
	i := int(idx) % len(r.desc)
	return (*uint16)(unsafe.Add(r.avail.ring, 2*i))
}

func (r *Ring) usedEntry(idx uint16) *Used {
	i := int(idx) % len(r.desc)
	return (*Used)(unsafe.Add(r.used.ring, usedElemSize*i))
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
