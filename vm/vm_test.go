package vm

import (
	"testing"

	"github.com/badgevms/badgevms/buddy"
	"github.com/badgevms/badgevms/defs"
)

// fakeMMU is a software model of the hardware MMU: it tracks mapped
// vaddr->paddr windows and a byte-addressable "backing memory" so
// tests can assert the round-trip-after-switch invariant of spec
// §4.2 without real hardware.
type fakeMMU struct {
	mem     map[uintptr][]byte // paddr-page -> page contents
	mapped  map[uintptr]uintptr
	wbCalls int
	invCalls int
}

func newFakeMMU() *fakeMMU {
	return &fakeMMU{mem: map[uintptr][]byte{}, mapped: map[uintptr]uintptr{}}
}

func (f *fakeMMU) MapRegion(vaddr, paddr uintptr, size uint64) defs.Err_t {
	for off := uint64(0); off < size; off += PageSize {
		f.mapped[vaddr+uintptr(off)] = paddr + uintptr(off)
	}
	return defs.OK
}

func (f *fakeMMU) UnmapRegion(vaddr uintptr, size uint64) defs.Err_t {
	for off := uint64(0); off < size; off += PageSize {
		delete(f.mapped, vaddr+uintptr(off))
	}
	return defs.OK
}

func (f *fakeMMU) Invalidate(vaddr uintptr, size uint64) { f.invCalls++ }
func (f *fakeMMU) Writeback(vaddr uintptr, size uint64)  { f.wbCalls++ }

func (f *fakeMMU) write(vaddr uintptr, b byte) {
	paddr, ok := f.mapped[vaddr]
	if !ok {
		panic("write to unmapped vaddr")
	}
	page := f.mem[paddr]
	if page == nil {
		page = make([]byte, PageSize)
		f.mem[paddr] = page
	}
	page[0] = b
}

func (f *fakeMMU) read(vaddr uintptr) byte {
	paddr, ok := f.mapped[vaddr]
	if !ok {
		panic("read from unmapped vaddr")
	}
	return f.mem[paddr][0]
}

func newTestManager(t *testing.T) (*Manager, *fakeMMU) {
	t.Helper()
	pages := buddy.New(nil)
	if !pages.InitPool(0x4000_0000, 0x4000_0000+64*PageSize, 0) {
		t.Fatal("init page pool")
	}
	fbs := buddy.New(nil)
	if !fbs.InitPool(0x8000_0000, 0x8000_0000+16*PageSize, 0) {
		t.Fatal("init framebuffer pool")
	}
	mmu := newFakeMMU()
	m := NewManager(pages, fbs, mmu, 0x5000_0000, nil)
	return m, mmu
}

func TestSbrkGrowExtendsArena(t *testing.T) {
	m, _ := newTestManager(t)
	as := NewAddressSpace(1, 0x4100_0000)

	old, err := m.Sbrk(as, 3*PageSize)
	if err != defs.OK {
		t.Fatalf("sbrk grow failed: %v", err)
	}
	if old != 0x4100_0000 {
		t.Fatalf("expected old end 0x4100_0000, got %#x", old)
	}
	if as.End != 0x4100_0000+3*PageSize {
		t.Fatalf("end not advanced: %#x", as.End)
	}
	if as.Size != 3*PageSize {
		t.Fatalf("size mismatch: %d", as.Size)
	}
}

func TestSbrkShrinkRestoresArena(t *testing.T) {
	m, _ := newTestManager(t)
	as := NewAddressSpace(1, 0x4100_0000)

	if _, err := m.Sbrk(as, 5*PageSize); err != defs.OK {
		t.Fatalf("grow failed: %v", err)
	}
	free0 := m.FreePagesTotal()

	if _, err := m.Sbrk(as, -5*PageSize); err != defs.OK {
		t.Fatalf("shrink failed: %v", err)
	}
	if as.Size != 0 {
		t.Fatalf("expected size 0 after full shrink, got %d", as.Size)
	}
	if as.End != as.Start {
		t.Fatalf("expected end == start after full shrink, got %#x", as.End)
	}
	if got := m.FreePagesTotal(); got <= free0 {
		t.Fatalf("expected pages to be returned to the pool: before=%d after=%d", free0, got)
	}
}

func TestSbrkGrowRollsBackOnOOM(t *testing.T) {
	m, _ := newTestManager(t)
	as := NewAddressSpace(1, 0x4100_0000)

	free0 := m.FreePagesTotal()
	// Pool has 64 pages; ask for far more than available.
	if _, err := m.Sbrk(as, 1000*PageSize); err == defs.OK {
		t.Fatal("expected ENOMEM for an oversized grow")
	}
	if as.Size != 0 {
		t.Fatalf("address space must be unchanged after a failed grow, got size=%d", as.Size)
	}
	if got := m.FreePagesTotal(); got != free0 {
		t.Fatalf("rollback must restore free pages: before=%d after=%d", free0, got)
	}
}

func TestSbrkGrowRejectsPastVaddrCeiling(t *testing.T) {
	m, _ := newTestManager(t)
	as := NewAddressSpace(1, m.vaddrHigh-PageSize)
	if _, err := m.Sbrk(as, 2*PageSize); err == defs.OK {
		t.Fatal("expected ENOMEM when growth would cross VADDR_HIGH")
	}
}

func TestContextSwitchRoundTrip(t *testing.T) {
	m, fake := newTestManager(t)

	a := NewAddressSpace(1, 0x4100_0000)
	b := NewAddressSpace(2, 0x4200_0000)

	if _, err := m.Sbrk(a, PageSize); err != defs.OK {
		t.Fatalf("grow a: %v", err)
	}
	if _, err := m.Sbrk(b, PageSize); err != defs.OK {
		t.Fatalf("grow b: %v", err)
	}

	if err := m.SwitchTo(a); err != defs.OK {
		t.Fatalf("switch to a: %v", err)
	}
	fake.write(a.Start, 0x42)

	if err := m.SwitchAway(a); err != defs.OK {
		t.Fatalf("switch away a: %v", err)
	}
	if err := m.SwitchTo(b); err != defs.OK {
		t.Fatalf("switch to b: %v", err)
	}
	fake.write(b.Start, 0x99)
	if err := m.SwitchAway(b); err != defs.OK {
		t.Fatalf("switch away b: %v", err)
	}

	if err := m.SwitchTo(a); err != defs.OK {
		t.Fatalf("switch back to a: %v", err)
	}
	if got := fake.read(a.Start); got != 0x42 {
		t.Fatalf("memory visible to a changed across A->B->A: got %#x want 0x42", got)
	}
}

func TestSwitchToRefusesWhileAnotherTaskMapped(t *testing.T) {
	m, _ := newTestManager(t)
	a := NewAddressSpace(1, 0x4100_0000)
	b := NewAddressSpace(2, 0x4200_0000)

	if err := m.SwitchTo(a); err != defs.OK {
		t.Fatalf("switch to a: %v", err)
	}
	if err := m.SwitchTo(b); err == defs.OK {
		t.Fatal("expected EBUSY while a is still mapped")
	}
}

func TestSwitchAwayIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	a := NewAddressSpace(1, 0x4100_0000)
	if err := m.SwitchAway(a); err != defs.OK {
		t.Fatalf("switch-away of an unmapped task should be a no-op, got %v", err)
	}
}

func TestAllocateFramebufferIsNotTiedToTaskSwitch(t *testing.T) {
	m, _ := newTestManager(t)
	fb, err := m.AllocateFramebuffer(2 * PageSize)
	if err != defs.OK {
		t.Fatalf("allocate framebuffer: %v", err)
	}
	a := NewAddressSpace(1, 0x4100_0000)
	if err := m.SwitchTo(a); err != defs.OK {
		t.Fatalf("switch to a: %v", err)
	}
	if err := m.SwitchAway(a); err != defs.OK {
		t.Fatalf("switch away a: %v", err)
	}
	// The framebuffer range is untouched by task switches.
	m.FreeFramebuffer(fb)
}
