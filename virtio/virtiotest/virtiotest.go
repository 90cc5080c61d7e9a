// Package virtiotest emulates the device side of a virtio entropy device in
// process. It implements the driver's Transport interface over anonymous
// mappings and channel doorbells, so the driver can be exercised end to end
// without a hypervisor.
package virtiotest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/vent/virtio"
	"github.com/c35s/vent/virtq"
	"golang.org/x/sys/unix"
)

// Config describes a test device.
type Config struct {

	// Source provides the device's entropy. If Source is nil, the device
	// reads from crypto/rand.
	Source io.Reader
}

// Device is an in-process entropy device backend. The zero value is not
// usable: call New.
type Device struct {
	source io.Reader

	mu       sync.Mutex
	regions  []*Region
	nextAddr uint64
	irq      func(cause uint32)
	failNext bool

	qBound    bool
	qAddr     uint64
	qLayout   virtq.Layout
	lastAvail uint16
	usedIdx   uint16

	kickC chan struct{}
}

// Region is a pinned DMA region backed by an anonymous mapping.
// It implements virtio.DMA.
type Region struct {
	dev  *Device
	addr uint64
	mem  []byte
}

// dmaBase is the bus address of the first allocated region. The address
// space is fake: regions are assigned increasing addresses as they are
// allocated.
const dmaBase = 0x1000_0000

func New(cfg Config) *Device {
	src := cfg.Source
	if src == nil {
		src = rand.Reader
	}

	return &Device{
		source:   src,
		nextAddr: dmaBase,
		kickC:    make(chan struct{}, 1),
	}
}

// AllocDMA maps an anonymous region and assigns it a bus address.
func (d *Device) AllocDMA(size int) (virtio.DMA, error) {
	if size < 1 {
		return nil, fmt.Errorf("virtiotest: bad DMA size %d", size)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("virtiotest: map DMA region: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r := &Region{dev: d, addr: d.nextAddr, mem: mem}
	d.nextAddr += uint64(align(size, 0x1000))
	d.regions = append(d.regions, r)

	return r, nil
}

// BindQueue points the device at the request queue's split-ring areas.
func (d *Device) BindQueue(q uint16, lo virtq.Layout, mem virtio.DMA) error {
	if q != 0 {
		return fmt.Errorf("virtiotest: queue %d does not exist", q)
	}

	if len(mem.Bytes()) < lo.Total {
		return fmt.Errorf("virtiotest: queue memory is too small: %d < %d", len(mem.Bytes()), lo.Total)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.qBound = true
	d.qAddr = mem.Addr()
	d.qLayout = lo
	d.lastAvail = 0
	d.usedIdx = 0

	return nil
}

// Notify rings the doorbell. Kicks are coalesced, like a real interrupt
// line: Process may observe several submissions after a single kick.
func (d *Device) Notify(q uint16) error {
	if q != 0 {
		return fmt.Errorf("virtiotest: queue %d does not exist", q)
	}

	select {
	case d.kickC <- struct{}{}:
	default:
	}

	return nil
}

// SetInterrupt registers the driver's interrupt handler.
func (d *Device) SetInterrupt(fn func(cause uint32)) {
	d.mu.Lock()
	d.irq = fn
	d.mu.Unlock()
}

// FailNext makes the device complete its next request with a zero-length
// transfer, as a backend that could not produce entropy would.
func (d *Device) FailNext() {
	d.mu.Lock()
	d.failNext = true
	d.mu.Unlock()
}

// InjectConfigChange raises a config-change interrupt.
func (d *Device) InjectConfigChange() {
	d.mu.Lock()
	irq := d.irq
	d.mu.Unlock()

	if irq != nil {
		irq(virtio.IRQConfigChange)
	}
}

// ProcessNext blocks until the driver rings the doorbell, then processes the
// queue once.
func (d *Device) ProcessNext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-d.kickC:
	}

	return d.Process()
}

// Serve processes doorbell kicks until ctx is cancelled.
func (d *Device) Serve(ctx context.Context) error {
	for {
		if err := d.ProcessNext(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}
	}
}

// Process drains the available ring: each descriptor is filled from the
// entropy source and a used entry is published. If any buffer was used, a
// ring-update interrupt is raised after the new used index is visible.
// Processing a queue whose memory has been released is a no-op.
func (d *Device) Process() error {
	d.mu.Lock()

	if !d.qBound {
		d.mu.Unlock()
		return errors.New("virtiotest: no queue is bound")
	}

	qmem, err := d.memAt(d.qAddr, d.qLayout.Total)
	if err != nil {
		// the driver has torn the queue down
		d.mu.Unlock()
		return nil
	}

	v := queueView{lo: d.qLayout, mem: qmem}

	var used int
	for d.lastAvail != v.availIdx() {
		head := v.availEntry(d.lastAvail)
		d.lastAvail++

		desc, err := v.desc(head)
		if err != nil {
			d.mu.Unlock()
			return err
		}

		if desc.Flags&virtq.DescFNext != 0 {
			d.mu.Unlock()
			return errors.New("virtiotest: chained descriptors are not supported")
		}

		if desc.Flags&virtq.DescFWrite == 0 {
			d.mu.Unlock()
			return errors.New("virtiotest: request buffer is not device-writable")
		}

		buf, err := d.memAt(desc.Addr, int(desc.Len))
		if err != nil {
			d.mu.Unlock()
			return err
		}

		var n int
		if d.failNext {
			d.failNext = false
		} else {
			if n, err = io.ReadFull(d.source, buf); err != nil {
				d.mu.Unlock()
				return fmt.Errorf("virtiotest: read entropy source: %w", err)
			}
		}

		v.publishUsed(d.usedIdx, uint32(head), uint32(n))
		d.usedIdx++
		used++
	}

	irq := d.irq
	d.mu.Unlock()

	if used > 0 && irq != nil {
		irq(virtio.IRQRingUpdate)
	}

	return nil
}

// memAt resolves a bus address range to backing memory.
func (d *Device) memAt(addr uint64, size int) ([]byte, error) {
	for _, r := range d.regions {
		if r.mem != nil && addr >= r.addr && addr+uint64(size) <= r.addr+uint64(len(r.mem)) {
			off := addr - r.addr
			return r.mem[off : off+uint64(size)], nil
		}
	}

	return nil, fmt.Errorf("virtiotest: bad DMA address %#x+%d", addr, size)
}

// Bytes returns the region's memory.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Addr returns the region's fake bus address.
func (r *Region) Addr() uint64 {
	return r.addr
}

// Close unmaps the region. Closing twice is a no-op.
func (r *Region) Close() error {
	r.dev.mu.Lock()
	mem := r.mem
	r.mem = nil
	r.dev.mu.Unlock()

	if mem == nil {
		return nil
	}

	return unix.Munmap(mem)
}

// queueView is the device's view of a split virtqueue. The flags+idx header
// of each index ring is accessed as one aligned 32-bit word: the available
// header with an acquire load, the used header with a release store. That
// pairs with the driver's barriers so neither side observes an index before
// the entries it covers.
type queueView struct {
	lo  virtq.Layout
	mem []byte
}

func (v queueView) availIdx() uint16 {
	hdr := (*uint32)(unsafe.Pointer(&v.mem[v.lo.AvailOff]))
	return uint16(atomic.LoadUint32(hdr) >> 16)
}

func (v queueView) availEntry(idx uint16) uint16 {
	off := v.lo.AvailOff + 4 + 2*(int(idx)%v.lo.Size)
	return binary.LittleEndian.Uint16(v.mem[off:])
}

func (v queueView) desc(i uint16) (virtq.Desc, error) {
	if int(i) >= v.lo.Size {
		return virtq.Desc{}, fmt.Errorf("virtiotest: descriptor index %d out of range", i)
	}

	b := v.mem[v.lo.DescOff+16*int(i):]

	return virtq.Desc{
		Addr:  binary.LittleEndian.Uint64(b),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: binary.LittleEndian.Uint16(b[12:]),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}, nil
}

// publishUsed writes the used element at idx and release-stores idx+1 as the
// new used index.
func (v queueView) publishUsed(idx uint16, id, n uint32) {
	off := v.lo.UsedOff + 4 + 8*(int(idx)%v.lo.Size)
	binary.LittleEndian.PutUint32(v.mem[off:], id)
	binary.LittleEndian.PutUint32(v.mem[off+4:], n)

	hdr := (*uint32)(unsafe.Pointer(&v.mem[v.lo.UsedOff]))
	atomic.StoreUint32(hdr, uint32(idx+1)<<16)
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
