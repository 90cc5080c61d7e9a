package virtq_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/c35s/vent/virtq"
	"github.com/google/go-cmp/cmp"
)

func TestLayoutFor(t *testing.T) {
	t.Run("bad sizes", func(t *testing.T) {
		for _, size := range []int{-1, 0, 3, 6, 1 << 16} {
			if _, err := virtq.LayoutFor(size); err == nil {
				t.Errorf("size %d: no error", size)
			}
		}
	})

	t.Run("size 1", func(t *testing.T) {
		lo, err := virtq.LayoutFor(1)
		if err != nil {
			t.Fatal(err)
		}

		want := virtq.Layout{
			Size:     1,
			DescOff:  0,
			AvailOff: 16, // one 16-byte descriptor
			UsedOff:  24, // avail is 6+2 bytes, rounded up to 4
			Total:    40, // used is 6+8 bytes, rounded up to 4
		}

		if diff := cmp.Diff(want, lo); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("size 8", func(t *testing.T) {
		lo, err := virtq.LayoutFor(8)
		if err != nil {
			t.Fatal(err)
		}

		want := virtq.Layout{
			Size:     8,
			DescOff:  0,
			AvailOff: 128, // 8 descriptors
			UsedOff:  152, // avail is 6+16 bytes, rounded up to 4
			Total:    224, // used is 6+64 bytes, rounded up to 4
		}

		if diff := cmp.Diff(want, lo); diff != "" {
			t.Error(diff)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("short memory", func(t *testing.T) {
		lo, err := virtq.LayoutFor(1)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := virtq.New(alignedMem(lo.Total-1), lo, virtq.Config{}); err == nil {
			t.Error("no error")
		}
	})

	t.Run("misaligned memory", func(t *testing.T) {
		lo, err := virtq.LayoutFor(1)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := virtq.New(alignedMem(lo.Total+1)[1:], lo, virtq.Config{}); err == nil {
			t.Error("no error")
		}
	})

	t.Run("zeroes the region", func(t *testing.T) {
		lo, err := virtq.LayoutFor(2)
		if err != nil {
			t.Fatal(err)
		}

		mem := alignedMem(lo.Total)
		for i := range mem {
			mem[i] = 0xff
		}

		if _, err := virtq.New(mem, lo, virtq.Config{}); err != nil {
			t.Fatal(err)
		}

		for i, b := range mem {
			if b != 0 {
				t.Fatalf("mem[%d] = %#x != 0", i, b)
			}
		}
	})
}

func TestRing(t *testing.T) {
	t.Run("exhaustion", func(t *testing.T) {
		r, _ := newRing(t, 1, nil)

		if _, err := r.Allocate(); err != nil {
			t.Fatal(err)
		}

		if _, err := r.Allocate(); !errors.Is(err, virtq.ErrExhausted) {
			t.Errorf("err %v != %v", err, virtq.ErrExhausted)
		}
	})

	t.Run("free returns a descriptor", func(t *testing.T) {
		r, _ := newRing(t, 1, nil)

		i, err := r.Allocate()
		if err != nil {
			t.Fatal(err)
		}

		r.Free(i)

		if n := r.FreeCount(); n != 1 {
			t.Errorf("free count %d != 1", n)
		}
	})

	t.Run("submit publishes and notifies", func(t *testing.T) {
		var kicks int
		notify := func() error {
			kicks++
			return nil
		}

		r, mem := newRing(t, 1, notify)
		lo, _ := virtq.LayoutFor(1)

		i, err := r.Allocate()
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Submit(i, 0xfeed0000, 64, true); err != nil {
			t.Fatal(err)
		}

		want := virtq.Desc{
			Addr:  0xfeed0000,
			Len:   64,
			Flags: virtq.DescFWrite,
		}

		got := virtq.Desc{
			Addr:  binary.LittleEndian.Uint64(mem[lo.DescOff:]),
			Len:   binary.LittleEndian.Uint32(mem[lo.DescOff+8:]),
			Flags: binary.LittleEndian.Uint16(mem[lo.DescOff+12:]),
			Next:  binary.LittleEndian.Uint16(mem[lo.DescOff+14:]),
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Error(diff)
		}

		if idx := binary.LittleEndian.Uint16(mem[lo.AvailOff+2:]); idx != 1 {
			t.Errorf("avail idx %d != 1", idx)
		}

		if slot := binary.LittleEndian.Uint16(mem[lo.AvailOff+4:]); slot != uint16(i) {
			t.Errorf("avail ring[0] %d != %d", slot, i)
		}

		if kicks != 1 {
			t.Errorf("kicks %d != 1", kicks)
		}
	})

	t.Run("reclaim one completion", func(t *testing.T) {
		r, mem := newRing(t, 1, nil)
		lo, _ := virtq.LayoutFor(1)

		i, err := r.Allocate()
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Submit(i, 0x1000, 64, true); err != nil {
			t.Fatal(err)
		}

		if got := r.ReclaimCompleted(); got != nil {
			t.Errorf("reclaimed %v before completion", got)
		}

		devComplete(mem, lo, uint32(i), 64)

		want := []virtq.Used{{ID: uint32(i), Len: 64}}
		if diff := cmp.Diff(want, r.ReclaimCompleted()); diff != "" {
			t.Error(diff)
		}

		if n := r.FreeCount(); n != 1 {
			t.Errorf("free count %d != 1", n)
		}

		// each submitted index is returned at most once
		if got := r.ReclaimCompleted(); got != nil {
			t.Errorf("reclaimed %v twice", got)
		}
	})

	t.Run("index conservation", func(t *testing.T) {
		const size = 4
		r, mem := newRing(t, size, nil)
		lo, _ := virtq.LayoutFor(size)

		var idx []uint16
		for j := 0; j < 3; j++ {
			i, err := r.Allocate()
			if err != nil {
				t.Fatal(err)
			}

			if err := r.Submit(i, 0x1000*uint64(j+1), 32, true); err != nil {
				t.Fatal(err)
			}

			idx = append(idx, i)

			if free, inflight := r.FreeCount(), j+1; free+inflight != size {
				t.Fatalf("free %d + in flight %d != %d", free, inflight, size)
			}
		}

		// the device may complete out of order
		devComplete(mem, lo, uint32(idx[2]), 32)
		devComplete(mem, lo, uint32(idx[0]), 32)

		if got := len(r.ReclaimCompleted()); got != 2 {
			t.Errorf("reclaimed %d != 2", got)
		}

		if free := r.FreeCount(); free+1 != size {
			t.Errorf("free %d + in flight 1 != %d", free, size)
		}

		devComplete(mem, lo, uint32(idx[1]), 32)

		if got := len(r.ReclaimCompleted()); got != 1 {
			t.Errorf("reclaimed %d != 1", got)
		}

		if free := r.FreeCount(); free != size {
			t.Errorf("free %d != %d", free, size)
		}
	})

	t.Run("wraparound", func(t *testing.T) {
		const size = 2
		r, mem := newRing(t, size, nil)
		lo, _ := virtq.LayoutFor(size)

		for j := 0; j < 5*size; j++ {
			i, err := r.Allocate()
			if err != nil {
				t.Fatal(err)
			}

			if err := r.Submit(i, 0x1000, 16, true); err != nil {
				t.Fatal(err)
			}

			devComplete(mem, lo, uint32(i), 16)

			want := []virtq.Used{{ID: uint32(i), Len: 16}}
			if diff := cmp.Diff(want, r.ReclaimCompleted()); diff != "" {
				t.Fatalf("round %d: %s", j, diff)
			}
		}
	})

	t.Run("unsubmitted used entry panics", func(t *testing.T) {
		r, mem := newRing(t, 2, nil)
		lo, _ := virtq.LayoutFor(2)

		devComplete(mem, lo, 1, 16)

		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		r.ReclaimCompleted()
	})

	t.Run("double submit panics", func(t *testing.T) {
		r, _ := newRing(t, 2, nil)

		i, err := r.Allocate()
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Submit(i, 0x1000, 16, true); err != nil {
			t.Fatal(err)
		}

		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		_ = r.Submit(i, 0x1000, 16, true)
	})
}

// newRing builds a ring of the given size over aligned test memory.
func newRing(t *testing.T, size int, notify func() error) (*virtq.Ring, []byte) {
	t.Helper()

	lo, err := virtq.LayoutFor(size)
	if err != nil {
		t.Fatal(err)
	}

	mem := alignedMem(lo.Total)
	r, err := virtq.New(mem, lo, virtq.Config{Notify: notify})
	if err != nil {
		t.Fatal(err)
	}

	return r, mem
}

// devComplete plays the device: it appends a used entry for descriptor id
// and publishes the new used index.
func devComplete(mem []byte, lo virtq.Layout, id, n uint32) {
	idx := binary.LittleEndian.Uint16(mem[lo.UsedOff+2:])
	off := lo.UsedOff + 4 + 8*(int(idx)%lo.Size)

	binary.LittleEndian.PutUint32(mem[off:], id)
	binary.LittleEndian.PutUint32(mem[off+4:], n)
	binary.LittleEndian.PutUint16(mem[lo.UsedOff+2:], idx+1)
}

// alignedMem returns a size-byte slice on a 16-byte boundary.
func alignedMem(size int) []byte {
	buf := make([]byte, size+16)
	off := (16 - int(uintptr(unsafe.Pointer(&buf[0]))&15)) & 15
	return buf[off : off+size]
}
