// Package vm implements spec §4.2's VMemMgr: it turns a task's sbrk
// requests into physical-page allocations and MMU edits, and carries
// the cache writeback/invalidate discipline that keeps a task's view
// of memory correct across context switches.
//
// Grounded on original_source/badgevms/memory.c (the sbrk grow/shrink
// algorithm, the map/unmap-on-switch discipline, and the separate
// framebuffer vaddr pool) and styled after the teacher's vm.Vm_t: a
// mutex-guarded per-address-space struct with a linked region list and
// defs.Err_t returns (biscuit's vm/as.go), generalized from biscuit's
// page-table-walking model to BadgeVMS's flat MMU-region-mapping model.
package vm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/buddy"
	"github.com/badgevms/badgevms/defs"
)

// PageSize is the MMU mapping granule, identical to the buddy page size.
const PageSize = buddy.PageSize

// MMU abstracts the hardware region-mapping and cache-maintenance
// primitives original_source/badgevms/memory.c issues directly
// against ESP-IDF's mmu_hal/cache_hal. Production wires this against
// the real hardware; tests use a software model (see vm_test.go) that
// records mappings so the round-trip-after-switch invariant (spec
// §4.2) can be checked without hardware.
type MMU interface {
	MapRegion(vaddr, paddr uintptr, size uint64) defs.Err_t
	UnmapRegion(vaddr uintptr, size uint64) defs.Err_t
	Invalidate(vaddr uintptr, size uint64)
	Writeback(vaddr uintptr, size uint64)
}

// VirtualRange is one contiguous vaddr->paddr mapping within a task's
// address space. Ranges are linked most-recent-first, mirroring
// allocation_range_t's head-insertion order in memory.c: sbrk always
// prepends new ranges and shrink always frees from the head.
type VirtualRange struct {
	VAddrStart uintptr
	PAddrStart uintptr
	Size       uint64
	Next       *VirtualRange
}

// AddressSpace is one task's growable [Start, End) virtual arena.
type AddressSpace struct {
	mu sync.Mutex

	Pid   int
	Start uintptr
	End   uintptr
	Size  uint64

	ranges *VirtualRange
}

// NewAddressSpace creates an empty address space for pid, anchored at
// start (spec §4.2's VADDR_TASK_START for an ELF task, or a
// per-thread slice of it for a thread task).
func NewAddressSpace(pid int, start uintptr) *AddressSpace {
	return &AddressSpace{Pid: pid, Start: start, End: start}
}

// Ranges returns the current range list head, most-recent-first. It
// is exposed read-only for diagnostics and must not be mutated by
// callers.
func (as *AddressSpace) Ranges() *VirtualRange {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.ranges
}

// Manager owns the physical-page allocator, the separate framebuffer
// vaddr allocator, and the single hardware MMU, and enforces the
// process-wide invariant that at most one task's ranges are mapped at
// a time (original_source/badgevms/memory.c's current_mapped_task).
// The two allocators "share code but not state" per spec §4.1: both
// are buddy.Allocator values, but over disjoint pools.
type Manager struct {
	mu sync.Mutex // guards currentMapped only; per-task range mutation uses AddressSpace.mu

	pages        *buddy.Allocator
	framebuffers *buddy.Allocator
	mmu          MMU
	log          *zap.Logger

	vaddrHigh uintptr

	currentMapped int // pid of the task whose ranges are presently mapped; 0 == none
}

// NewManager constructs a Manager. vaddrHigh bounds how far sbrk may
// grow a task's arena (spec §4.2's VADDR_HIGH).
func NewManager(pages, framebuffers *buddy.Allocator, mmu MMU, vaddrHigh uintptr, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{pages: pages, framebuffers: framebuffers, mmu: mmu, vaddrHigh: vaddrHigh, log: log}
}

// Sbrk grows or shrinks as's arena by delta bytes and returns the
// pre-call End on success (spec §4.2). delta == 0 is a no-op query.
func (m *Manager) Sbrk(as *AddressSpace, delta int64) (uintptr, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	old := as.End
	switch {
	case delta == 0:
		return old, defs.OK
	case delta > 0:
		return m.grow(as, uint64(delta))
	default:
		return m.shrink(as, uint64(-delta))
	}
}

// grow implements spec §4.2's sbrk grow case. as.mu is held by the caller.
func (m *Manager) grow(as *AddressSpace, delta uint64) (uintptr, defs.Err_t) {
	if uint64(as.End)+delta > uint64(m.vaddrHigh) {
		m.log.Warn("vm: sbrk grow exceeds vaddr ceiling", zap.Int("pid", as.Pid), zap.Uint64("delta", delta))
		return 0, -defs.ENOMEM
	}

	pages := (delta + PageSize - 1) / PageSize
	head, tail, ok := m.allocateRanges(as.End, pages)
	if !ok {
		return 0, -defs.ENOMEM
	}

	m.mu.Lock()
	mapped := as.Pid == m.currentMapped
	if mapped {
		var total uint64
		for r := head; r != nil; r = r.Next {
			if err := m.mmu.MapRegion(r.VAddrStart, r.PAddrStart, r.Size); err != 0 {
				m.rollback(head)
				m.mu.Unlock()
				return 0, err
			}
			total += r.Size
		}
		m.mmu.Invalidate(as.End, total)
	}
	m.mu.Unlock()

	old := as.End
	tail.Next = as.ranges
	as.ranges = head
	as.Size += delta
	as.End += uintptr(delta)
	return old, defs.OK
}

// allocateRanges builds a vaddr-ordered list of VirtualRanges covering
// pages pages, requesting the largest contiguous physical chunk the
// allocator can still serve and backing off by one page at a time on
// failure, per memory.c's pages_allocate. On total failure every
// partial range already taken is rolled back.
func (m *Manager) allocateRanges(vaddrStart uintptr, pages uint64) (head, tail *VirtualRange, ok bool) {
	toAllocate := pages
	allocSize := pages
	for toAllocate > 0 {
		if allocSize > toAllocate {
			allocSize = toAllocate
		}
		paddr, got := m.pages.Allocate(allocSize*PageSize, buddy.BlockTask)
		if !got {
			if allocSize == 1 {
				m.rollback(head)
				return nil, nil, false
			}
			allocSize--
			continue
		}

		r := &VirtualRange{VAddrStart: vaddrStart, PAddrStart: paddr, Size: allocSize * PageSize}
		if tail == nil {
			tail = r
		}
		r.Next = head
		head = r
		vaddrStart += uintptr(allocSize * PageSize)
		toAllocate -= allocSize
	}
	return head, tail, true
}

// rollback frees every range in a partially built list back to the
// physical allocator, used when a grow attempt cannot be completed.
func (m *Manager) rollback(head *VirtualRange) {
	for r := head; r != nil; r = r.Next {
		m.pages.Deallocate(r.PAddrStart)
	}
}

// shrink implements spec §4.2's sbrk shrink case. as.mu is held by the caller.
func (m *Manager) shrink(as *AddressSpace, amount uint64) (uintptr, defs.Err_t) {
	old := as.End
	if amount > as.Size {
		amount = as.Size
	}
	remaining := amount

	m.mu.Lock()
	mapped := as.Pid == m.currentMapped
	m.mu.Unlock()

	for remaining > 0 && as.ranges != nil {
		r := as.ranges
		if r.Size <= remaining {
			if mapped {
				m.mmu.Writeback(r.VAddrStart, r.Size)
				m.mmu.UnmapRegion(r.VAddrStart, r.Size)
			}
			m.pages.Deallocate(r.PAddrStart)
			as.ranges = r.Next
			remaining -= r.Size
			continue
		}

		keep := r.Size - remaining
		if mapped {
			m.mmu.Writeback(r.VAddrStart, keep)
			m.mmu.UnmapRegion(r.VAddrStart, r.Size)
		}
		freedPaddr := r.PAddrStart + uintptr(keep)
		r.Size = keep
		if mapped {
			if err := m.mmu.MapRegion(r.VAddrStart, r.PAddrStart, r.Size); err != 0 {
				return 0, err
			}
			m.mmu.Invalidate(r.VAddrStart, r.Size)
		}
		m.pages.Deallocate(freedPaddr)
		remaining = 0
	}

	as.Size -= amount
	as.End -= uintptr(amount)
	return old, defs.OK
}

// SwitchTo maps as's entire range list and invalidates the caches
// covering its arena, per spec §4.2's map(task). It is an error to
// call this while a different task is mapped.
func (m *Manager) SwitchTo(as *AddressSpace) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentMapped != 0 && m.currentMapped != as.Pid {
		m.log.Error("vm: switch-to while another task is mapped",
			zap.Int("want", as.Pid), zap.Int("have", m.currentMapped))
		return -defs.EBUSY
	}

	for r := as.ranges; r != nil; r = r.Next {
		if err := m.mmu.MapRegion(r.VAddrStart, r.PAddrStart, r.Size); err != 0 {
			return err
		}
	}
	m.mmu.Invalidate(as.Start, uint64(as.End-as.Start))
	m.currentMapped = as.Pid
	return defs.OK
}

// SwitchAway writes back and unmaps every range in as, per spec
// §4.2's unmap_current(task). It is idempotent: calling it when as is
// not the currently mapped task is a no-op.
func (m *Manager) SwitchAway(as *AddressSpace) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentMapped != as.Pid {
		return defs.OK
	}

	if as.ranges != nil {
		m.mmu.Writeback(as.Start, uint64(as.End-as.Start))
		for r := as.ranges; r != nil; r = r.Next {
			if err := m.mmu.UnmapRegion(r.VAddrStart, r.Size); err != 0 {
				return err
			}
		}
	}
	m.currentMapped = 0
	return defs.OK
}

// WritebackAndInvalidate flushes and reloads the caches covering as's
// whole arena without unmapping it.
func (m *Manager) WritebackAndInvalidate(as *AddressSpace) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m.mmu.Writeback(as.Start, uint64(as.End-as.Start))
	m.mmu.Invalidate(as.Start, uint64(as.End-as.Start))
}

// FreePagesTotal and TotalPages report the task-page pool's occupancy
// (spec §4.1's get_free_psram_pages).
func (m *Manager) FreePagesTotal() uint64 { return m.pages.FreePagesTotal() }
func (m *Manager) TotalPages() uint64     { return m.pages.TotalPages() }

// AllocateFramebuffer reserves a vaddr window from the framebuffer
// pool, backs it with physical pages from the same pool the task
// allocator draws from, and maps it — unlike task pages, framebuffer
// pages are never unmapped on task switch (spec §4.2: "the compositor
// owns them cross-task").
func (m *Manager) AllocateFramebuffer(size uint64) (*VirtualRange, defs.Err_t) {
	vaddr, ok := m.framebuffers.Allocate(size, buddy.BlockFramebuffer)
	if !ok {
		return nil, -defs.ENOMEM
	}
	paddr, ok := m.pages.Allocate(size, buddy.BlockFramebuffer)
	if !ok {
		m.framebuffers.Deallocate(vaddr)
		return nil, -defs.ENOMEM
	}

	m.mu.Lock()
	err := m.mmu.MapRegion(vaddr, paddr, size)
	if err == defs.OK {
		m.mmu.Invalidate(vaddr, size)
	}
	m.mu.Unlock()

	if err != defs.OK {
		m.pages.Deallocate(paddr)
		m.framebuffers.Deallocate(vaddr)
		return nil, err
	}
	return &VirtualRange{VAddrStart: vaddr, PAddrStart: paddr, Size: size}, defs.OK
}

// FreeFramebuffer unmaps and releases a framebuffer range obtained
// from AllocateFramebuffer.
func (m *Manager) FreeFramebuffer(r *VirtualRange) {
	m.mu.Lock()
	m.mmu.UnmapRegion(r.VAddrStart, r.Size)
	m.mu.Unlock()
	m.pages.Deallocate(r.PAddrStart)
	m.framebuffers.Deallocate(r.VAddrStart)
}
