package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/vent/virtq"
)

// The entropy device has a single request queue.
const requestQ = 0

const (
	RingSizeDefault   = 1
	BufferSizeDefault = 256

	// SeedIntervalDefault is the period of the seeding loop. Entropy is
	// pushed to the sink on a fixed timer rather than on demand.
	SeedIntervalDefault = 300 * time.Second

	ShutdownGraceDefault = time.Second
)

var (
	ErrInit       = errors.New("virtio: entropy device init failed")
	ErrBufferBusy = errors.New("virtio: entropy buffer is busy")
)

// bufState tracks ownership of the entropy buffer.
type bufState int

const (
	bufIdle      bufState = iota // driver-owned, holds no data
	bufSubmitted                 // device-owned: software must not touch it
	bufFilled                    // driver-owned, completion observed
)

// completion crosses from the interrupt goroutine to the seeding loop.
// ok is false when the device reported a failed (zero-length) transfer.
type completion struct {
	n  uint32
	ok bool
}

// Config describes a new entropy device.
type Config struct {

	// RingSize is the number of descriptors in the request queue. It must be
	// a power of two. If RingSize is 0, the queue has 1 descriptor: the
	// driver never has more than one request in flight.
	RingSize int

	// BufferSize is the size of the entropy buffer in bytes, and so the
	// maximum payload of a single request. If BufferSize is 0, the buffer
	// holds 256 bytes.
	BufferSize int

	// SeedInterval is the delay between seeding cycles.
	// If SeedInterval is 0, the driver seeds every 300 seconds.
	SeedInterval time.Duration

	// ShutdownGrace bounds how long Close waits for an in-flight transfer
	// before releasing DMA memory anyway. If ShutdownGrace is 0, Close waits
	// up to 1 second.
	ShutdownGrace time.Duration

	// Sink receives the entropy produced by the device. It is required.
	Sink Sink
}

// Rng drives a virtio entropy device. It owns the request queue, a single
// DMA entropy buffer, and a background loop that periodically asks the
// device for random bytes and forwards them to the configured Sink.
type Rng struct {
	cfg Config
	tr  Transport

	ringMem DMA
	bufMem  DMA
	bufCap  int

	mu    sync.Mutex
	ring  *virtq.Ring
	state bufState

	compC chan completion
	stopC chan struct{}
	doneC chan struct{}

	closeOnce sync.Once
}

// New binds an entropy driver to the given transport: it allocates the
// request queue and the entropy buffer, registers the interrupt handler, and
// starts the seeding loop. On error, no goroutine is started and any
// partially pinned memory is released.
func New(tr Transport, cfg Config) (*Rng, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	lo, err := virtq.LayoutFor(cfg.RingSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	ringMem, err := tr.AllocDMA(lo.Total)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate ring: %w", ErrInit, err)
	}

	bufMem, err := tr.AllocDMA(cfg.BufferSize)
	if err != nil {
		ringMem.Close()
		return nil, fmt.Errorf("%w: pin entropy buffer: %w", ErrInit, err)
	}

	dev := &Rng{
		cfg:     cfg,
		tr:      tr,
		ringMem: ringMem,
		bufMem:  bufMem,
		bufCap:  cfg.BufferSize,
		compC:   make(chan completion, 1),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	dev.ring, err = virtq.New(ringMem.Bytes(), lo, virtq.Config{
		Notify: func() error {
			return tr.Notify(requestQ)
		},
	})

	if err == nil {
		err = tr.BindQueue(requestQ, lo, ringMem)
	}

	if err != nil {
		bufMem.Close()
		ringMem.Close()
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	tr.SetInterrupt(dev.handleIRQ)
	go dev.seedLoop()

	return dev, nil
}

// Close stops the seeding loop, waits for a pending transfer to complete or
// for the shutdown grace to expire, and only then releases the ring and
// buffer memory. It is safe to call Close more than once.
func (dev *Rng) Close() error {
	dev.closeOnce.Do(func() {
		close(dev.stopC)
	})

	<-dev.doneC

	dev.mu.Lock()
	pending := dev.state == bufSubmitted
	dev.mu.Unlock()

	if pending {
		select {
		case <-dev.compC:
		case <-time.After(dev.cfg.ShutdownGrace):
			slog.Warn("entropy request still in flight at shutdown")
		}
	}

	dev.tr.SetInterrupt(nil)

	return errors.Join(dev.bufMem.Close(), dev.ringMem.Close())
}

// handleIRQ demultiplexes device interrupts. It runs on the transport's
// interrupt goroutine.
func (dev *Rng) handleIRQ(cause uint32) {
	if cause&IRQConfigChange != 0 {
		slog.Debug("entropy device config changed")
	}

	if cause&IRQRingUpdate != 0 {
		dev.reclaim()
	}
}

// reclaim drains ring completions and signals the seeding loop.
// It never blocks: the completion channel send is buffered and the
// single-inflight policy guarantees it has room.
func (dev *Rng) reclaim() {
	dev.mu.Lock()
	used := dev.ring.ReclaimCompleted()

	if len(used) == 0 {
		dev.mu.Unlock()
		return
	}

	if len(used) > 1 || dev.state != bufSubmitted {
		panic("virtio: completion without a pending entropy request")
	}

	e := used[0]
	if int(e.Len) > dev.bufCap {
		panic(fmt.Sprintf("virtio: device wrote %d bytes into a %d-byte buffer", e.Len, dev.bufCap))
	}

	dev.state = bufFilled
	dev.mu.Unlock()

	select {
	case dev.compC <- completion{n: e.Len, ok: e.Len > 0}:
	default:
		panic("virtio: completion channel is full")
	}
}

// seedLoop periodically submits an entropy request and forwards the result
// to the sink. Failed cycles are logged and skipped: a missed cycle only
// defers enrichment of the pool.
func (dev *Rng) seedLoop() {
	defer close(dev.doneC)

	for {
		if err := dev.seedOnce(); err != nil {
			slog.Error("entropy request failed", "err", err)
		}

		select {
		case <-dev.stopC:
			return

		case <-time.After(dev.cfg.SeedInterval):
		}
	}
}

// seedOnce runs one request cycle: acquire the buffer, submit a device-
// writable descriptor covering it, block until the completion arrives, and
// deliver the result. The wait is cancelled by Close.
func (dev *Rng) seedOnce() error {
	dev.mu.Lock()

	if dev.state != bufIdle {
		dev.mu.Unlock()
		return ErrBufferBusy
	}

	i, err := dev.ring.Allocate()
	if err != nil {
		dev.mu.Unlock()
		return err
	}

	dev.state = bufSubmitted
	err = dev.ring.Submit(i, dev.bufMem.Addr(), uint32(dev.bufCap), true)
	dev.mu.Unlock()

	if err != nil {
		// The descriptor is already published and the ring protocol has no
		// way to retract it, so the request stays pending.
		return err
	}

	select {
	case c := <-dev.compC:
		dev.deliver(c)
		return nil

	case <-dev.stopC:
		return nil
	}
}

// deliver forwards a completed request's bytes to the sink and returns the
// buffer to the idle state.
func (dev *Rng) deliver(c completion) {
	if c.ok {
		dev.cfg.Sink.AddEntropy(dev.bufMem.Bytes()[:c.n])
	} else {
		slog.Warn("entropy device returned no data")
	}

	dev.mu.Lock()
	dev.state = bufIdle
	dev.mu.Unlock()
}

func (c Config) withDefaults() Config {
	if c.RingSize == 0 {
		c.RingSize = RingSizeDefault
	}

	if c.BufferSize == 0 {
		c.BufferSize = BufferSizeDefault
	}

	if c.SeedInterval == 0 {
		c.SeedInterval = SeedIntervalDefault
	}

	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = ShutdownGraceDefault
	}

	return c
}

func (c Config) validate() error {
	if c.Sink == nil {
		return errors.New("a sink is required")
	}

	if c.BufferSize < 1 {
		return fmt.Errorf("buffer size %d < 1", c.BufferSize)
	}

	if c.SeedInterval < 0 || c.ShutdownGrace < 0 {
		return errors.New("intervals must not be negative")
	}

	return nil
}
