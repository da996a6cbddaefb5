// Package buddy implements the physical-page buddy allocator described
// in spec §4.1: a power-of-two block allocator over one or more
// contiguous page pools, grounded on original_source/badgevms/buddy_alloc.c
// and reworked with index-based intrusive free lists in the style the
// teacher's mem package uses for its own free lists (mem.Physmem_t's
// nexti-chained freelists, adapted here to carry an explicit order).
//
// Two independent Allocator values exist in a running kernel: the
// PSRAM page allocator backing task memory, and the framebuffer-vaddr
// allocator managing the reserved framebuffer virtual range (spec
// §4.1, "they share code but not state").
package buddy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/util"
)

// PageSize is the allocation granule, 64 KiB as named in spec §3.
const PageSize = 64 * 1024

// MaxPools bounds how many pools a single Allocator can register.
const MaxPools = 8

// BlockType tags what an allocated block is being used for, purely
// for diagnostics (metrics.ProfileDump groups live blocks by this).
type BlockType int

const (
	BlockFree BlockType = iota
	BlockTask
	BlockKernel
	BlockFramebuffer
	BlockMetadata
)

const noBlock int32 = -1

type block struct {
	order   uint8
	inList  bool
	isWaste bool
	typ     BlockType
	prev    int32
	next    int32
}

// Pool is one contiguous, power-of-two-padded span of pages.
type Pool struct {
	start      uintptr
	end        uintptr
	pages      uint64 // usable pages (excludes waste)
	totalPages uint64 // pages + waste, == 1<<maxOrder
	maxOrder   uint8
	wastePages uint64
	flags      uint32

	freePages    uint64
	maxOrderFree int // -1 when nothing is free

	freeListHead []int32 // len maxOrder+1, head index or noBlock
	wasteHead    int32

	blocks []block
}

// Allocator is a buddy allocator over up to MaxPools pools, guarded by
// a single mutex per spec §4.1's concurrency note: operations are
// short (bounded by max order), so it is safe to hold across a whole
// allocate/deallocate, but callers that may block on I/O must never
// call in while holding it.
type Allocator struct {
	mu    sync.Mutex
	pools []*Pool
	log   *zap.Logger
}

// New constructs an empty allocator. log may be nil (a no-op logger is used).
func New(log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{log: log}
}

// InitPool carves a new pool spanning [start, end) and registers it.
// It fails silently (logs a warning) if the pool count is already
// exhausted, per spec §4.1.
func (a *Allocator) InitPool(start, end uintptr, flags uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pools) >= MaxPools {
		a.log.Warn("buddy: out of pools, discarding region", zap.Uintptr("start", start))
		return false
	}
	if end <= start {
		return false
	}

	pages := uint64(end-start) / PageSize
	if pages == 0 {
		return false
	}
	order := util.Log2Ceil(pages)
	padded := uint64(1) << order

	p := &Pool{
		start:        start,
		end:          end,
		pages:        pages,
		totalPages:   padded,
		maxOrder:     uint8(order),
		wastePages:   padded - pages,
		flags:        flags,
		freePages:    pages,
		maxOrderFree: int(order),
		freeListHead: make([]int32, order+1),
		wasteHead:    noBlock,
		blocks:       make([]block, padded),
	}
	for i := range p.freeListHead {
		p.freeListHead[i] = noBlock
	}
	for i := pages; i < padded; i++ {
		p.blocks[i].isWaste = true
	}

	p.blocks[0].order = uint8(order)
	p.pushFree(0)

	a.pools = append(a.pools, p)
	a.log.Info("buddy: pool initialized",
		zap.Uint64("pages", pages), zap.Uint64("waste", p.wastePages), zap.Uint8("max_order", p.maxOrder))
	return true
}

// list operations, index-based per spec §9's "systems-language port
// uses indices into the blocks array rather than raw pointers".

func (p *Pool) listHead(order uint8) *int32 {
	if int(order) < len(p.freeListHead) {
		return &p.freeListHead[order]
	}
	return nil
}

func (p *Pool) pushFree(idx int32) {
	b := &p.blocks[idx]
	b.inList = true
	var head *int32
	if b.isWaste {
		head = &p.wasteHead
	} else {
		head = p.listHead(b.order)
	}
	if *head == noBlock {
		b.prev, b.next = idx, idx
		*head = idx
		return
	}
	tail := p.blocks[*head].prev
	b.prev = tail
	b.next = *head
	p.blocks[tail].next = idx
	p.blocks[*head].prev = idx
}

func (p *Pool) removeFree(idx int32) {
	b := &p.blocks[idx]
	b.inList = false
	var head *int32
	if b.isWaste {
		head = &p.wasteHead
	} else {
		head = p.listHead(b.order)
	}
	if b.next == idx {
		*head = noBlock
		return
	}
	prev, next := b.prev, b.next
	p.blocks[prev].next = next
	p.blocks[next].prev = prev
	if *head == idx {
		*head = next
	}
}

// findBlock scans free lists at order or above for a block whose
// last covered page index is not waste, per spec §4.1 step 3.
func (p *Pool) findBlock(order uint8, pages uint64) int32 {
	for a := order; a <= p.maxOrder; a++ {
		head := *p.listHead(a)
		if head == noBlock {
			continue
		}
		cur := head
		for {
			lastIdx := uint64(cur) + pages - 1
			if lastIdx < uint64(len(p.blocks)) && !p.blocks[lastIdx].isWaste {
				p.removeFree(cur)
				return cur
			}
			cur = p.blocks[cur].next
			if cur == head {
				break
			}
		}
	}
	return noBlock
}

// split halves the block at idx, pushing its right-hand buddy (at the
// new, lower order) onto the appropriate free list. idx itself is
// always the left-most part and its index never changes, per spec
// §4.1's "splits the chosen block down to order by repeatedly
// halving and pushing the right buddy".
func (p *Pool) split(idx int32) {
	p.blocks[idx].order--
	newOrder := p.blocks[idx].order
	buddyIdx := idx ^ int32(1<<newOrder)
	p.blocks[buddyIdx].order = newOrder
	p.pushFree(buddyIdx)
}

func (p *Pool) recomputeMaxOrderFree() {
	for p.maxOrderFree > 0 && p.freeListHead[p.maxOrderFree] == noBlock {
		p.maxOrderFree--
	}
	if p.freeListHead[p.maxOrderFree] == noBlock {
		p.maxOrderFree = -1
	}
}

// Allocate serves a size-byte request, returning the page-aligned
// start address of a 2^order-page block. It returns ok=false only if
// no pool can satisfy the request (spec §4.1/§8).
func (a *Allocator) Allocate(size uint64, typ BlockType) (uintptr, bool) {
	if size == 0 {
		return 0, false
	}
	pages := (size + PageSize - 1) / PageSize
	order := uint8(util.Log2Ceil(pages))

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pools {
		if p.maxOrderFree < 0 || uint8(p.maxOrderFree) < order || p.freePages < pages {
			continue
		}
		if order == p.maxOrder {
			if size > (uint64(1)<<order)*PageSize-p.wastePages*PageSize {
				continue
			}
		}
		idx := p.findBlock(order, pages)
		if idx == noBlock {
			continue
		}
		for p.blocks[idx].order > order {
			p.split(idx)
		}
		p.recomputeMaxOrderFree()
		p.freePages -= uint64(1) << order
		p.blocks[idx].typ = typ
		addr := p.start + uintptr(idx)*PageSize
		return addr, true
	}
	a.log.Warn("buddy: allocate failed", zap.Uint64("size", size))
	return 0, false
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// Deallocate returns a previously allocated block to its pool,
// merging with free buddies as far as possible (spec §4.1). A
// non-page-aligned or unowned pointer is a contract violation: it is
// logged and reported as EINVAL rather than panicking, per spec §7's
// policy that kernel contract violations are logged, not fatal.
func (a *Allocator) Deallocate(ptr uintptr) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.poolFor(ptr)
	if p == nil {
		a.log.Error("buddy: deallocate of unowned pointer", zap.Uintptr("ptr", ptr))
		return -defs.EINVAL
	}
	off := ptr - p.start
	if off%PageSize != 0 {
		a.log.Error("buddy: deallocate of non-page-aligned pointer", zap.Uintptr("ptr", ptr))
		return -defs.EINVAL
	}
	idx := int32(off / PageSize)
	if p.blocks[idx].inList {
		a.log.Error("buddy: double free detected", zap.Uintptr("ptr", ptr))
		return -defs.EINVAL
	}

	order := p.blocks[idx].order
	p.freePages += uint64(1) << order
	p.blocks[idx].typ = BlockFree

	cur := idx
	for {
		curOrder := p.blocks[cur].order
		buddyIdx := cur ^ int32(1<<curOrder)
		if buddyIdx < 0 || uint64(buddyIdx) >= p.totalPages {
			break
		}
		if p.blocks[buddyIdx].order != curOrder || !p.blocks[buddyIdx].inList {
			break
		}
		p.removeFree(buddyIdx)
		merged := min32(cur, buddyIdx)
		p.blocks[merged].order = curOrder + 1
		cur = merged
	}
	p.pushFree(cur)
	if !p.blocks[cur].isWaste && int(p.blocks[cur].order) > p.maxOrderFree {
		p.maxOrderFree = int(p.blocks[cur].order)
	}
	return defs.OK
}

func (a *Allocator) poolFor(ptr uintptr) *Pool {
	for _, p := range a.pools {
		if ptr >= p.start && ptr < p.end {
			return p
		}
	}
	return nil
}

// FreePagesTotal sums free (non-waste) pages across every pool.
func (a *Allocator) FreePagesTotal() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum uint64
	for _, p := range a.pools {
		sum += p.freePages
	}
	return sum
}

// TotalPages sums usable pages across every pool.
func (a *Allocator) TotalPages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum uint64
	for _, p := range a.pools {
		sum += p.pages
	}
	return sum
}

// LiveBlock describes one currently-allocated block, used by
// metrics.ProfileDump to render a pprof occupancy profile.
type LiveBlock struct {
	Addr  uintptr
	Pages uint64
	Type  BlockType
}

// LiveBlocks snapshots every currently-allocated (non-free,
// non-waste) block across all pools.
func (a *Allocator) LiveBlocks() []LiveBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []LiveBlock
	for _, p := range a.pools {
		i := uint64(0)
		for i < p.pages {
			b := &p.blocks[i]
			span := uint64(1) << b.order
			if !b.inList && !b.isWaste {
				out = append(out, LiveBlock{
					Addr:  p.start + uintptr(i)*PageSize,
					Pages: span,
					Type:  b.typ,
				})
			}
			i += span
		}
	}
	return out
}
