package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/bitarray"
)

// Kmem owns physical memory: the free list of frames and the table of
// per-frame reference counts used for copy-on-write sharing.
type Kmem struct {
	mem *physmem

	lock     Spinlock
	freelist []uintptr
	used     bitarray.BitArray

	// COW: reference count for each physical page
	ref struct {
		lock  Spinlock
		count []int32
	}

	allocs atomic.Uint64
	frees  atomic.Uint64
	cow    cowStats
}

// kinit hands every frame of a fresh npages-frame RAM to the allocator.
func kinit(npages int) *Kmem {
	km := &Kmem{mem: newPhysmem(npages)}
	initlock(&km.lock, "kmem")
	initlock(&km.ref.lock, "pg_refcnt")
	km.used = bitarray.NewBitArray(uint64(npages))
	km.ref.count = make([]int32, npages)
	kallocLog.Infof("kinit: [%#x, %#x)", km.mem.base, km.mem.top)
	km.freerange(km.mem.base, km.mem.top)
	return km
}

func (km *Kmem) freerange(paStart, paEnd uintptr) {
	// push high frames first so kalloc hands out low frames first
	start := PGROUNDUP(paStart)
	for p := PGROUNDDOWN(paEnd); p >= start+PGSIZE; {
		p -= PGSIZE
		km.kfree(p)
	}
}

// kfree puts the frame at pa back on the free list. Callers outside the
// allocator go through Release so the count table stays in step.
func (km *Kmem) kfree(pa uintptr) {
	if !km.mem.valid(pa) {
		kpanic("kfree %#x", pa)
	}
	idx := km.mem.index(pa)

	acquire(&km.ref.lock)
	km.ref.count[idx] = 0
	release(&km.ref.lock)

	// Fill with junk to catch dangling refs.
	memset(km.mem.page(pa), 1)

	acquire(&km.lock)
	if err := km.used.ClearBit(uint64(idx)); err != nil {
		release(&km.lock)
		kpanic("kfree: %v", err)
	}
	km.freelist = append(km.freelist, pa)
	release(&km.lock)
}

// Kalloc allocates one PGSIZE frame with a reference count of 1.
// It reports false when physical memory is exhausted; it never waits.
func (km *Kmem) Kalloc() (uintptr, bool) {
	acquire(&km.lock)
	n := len(km.freelist)
	if n == 0 {
		release(&km.lock)
		return 0, false
	}
	pa := km.freelist[n-1]
	km.freelist = km.freelist[:n-1]
	idx := km.mem.index(pa)
	if err := km.used.SetBit(uint64(idx)); err != nil {
		release(&km.lock)
		kpanic("kalloc: %v", err)
	}
	release(&km.lock)

	memset(km.mem.page(pa), 5) // fill with junk

	acquire(&km.ref.lock)
	km.ref.count[idx] = 1
	release(&km.ref.lock)

	km.allocs.Add(1)
	return pa, true
}

// Retain adds a reference to an allocated frame. The caller must already
// own a reference, so the count can never come back from zero here.
func (km *Kmem) Retain(pa uintptr) {
	if !km.mem.valid(pa) {
		kpanic("kref %#x", pa)
	}
	acquire(&km.ref.lock)
	idx := km.mem.index(pa)
	if km.ref.count[idx] < 1 {
		release(&km.ref.lock)
		kpanic("kref: refcount < 1 for %#x", pa)
	}
	km.ref.count[idx]++
	release(&km.ref.lock)
}

// Release drops one reference and frees the frame when it was the last.
// It reports whether the frame went back to the free list.
func (km *Kmem) Release(pa uintptr) bool {
	if !km.mem.valid(pa) {
		kpanic("kunref %#x", pa)
	}
	acquire(&km.ref.lock)
	idx := km.mem.index(pa)
	if km.ref.count[idx] < 1 {
		release(&km.ref.lock)
		kpanic("kunref: refcount < 1 for %#x", pa)
	}
	km.ref.count[idx]--
	free := km.ref.count[idx] == 0
	release(&km.ref.lock)

	if free {
		km.kfree(pa)
		km.frees.Add(1)
	}
	return free
}

// RefCount is the current reference count of the frame at pa.
func (km *Kmem) RefCount(pa uintptr) uint32 {
	if !km.mem.valid(pa) {
		return 0
	}
	acquire(&km.ref.lock)
	n := km.ref.count[km.mem.index(pa)]
	release(&km.ref.lock)
	return uint32(n)
}

// NumFree is the number of frames on the free list.
func (km *Kmem) NumFree() int {
	acquire(&km.lock)
	n := len(km.freelist)
	release(&km.lock)
	return n
}

// inuse lists every allocated frame.
func (km *Kmem) inuse() []uintptr {
	acquire(&km.lock)
	idxs := km.used.ToNums()
	release(&km.lock)
	pas := make([]uintptr, 0, len(idxs))
	for _, idx := range idxs {
		pas = append(pas, km.mem.frame(int(idx)))
	}
	return pas
}

// Page is an owning reference to one frame. Drop releases it at most
// once; Keep hands the reference to a page table instead.
type Page struct {
	km   *Kmem
	pa   uintptr
	done bool
}

// AllocPage is Kalloc wrapped in a Page handle.
func (km *Kmem) AllocPage() (*Page, error) {
	pa, ok := km.Kalloc()
	if !ok {
		return nil, fmt.Errorf("kalloc: %w", ENOMEM)
	}
	return &Page{km: km, pa: pa}, nil
}

func (pg *Page) PA() uintptr { return pg.pa }

func (pg *Page) Bytes() []byte { return pg.km.mem.page(pg.pa) }

// Keep transfers the reference to the caller and disarms Drop.
func (pg *Page) Keep() uintptr {
	if pg.done {
		kpanic("page %#x: keep after release", pg.pa)
	}
	pg.done = true
	return pg.pa
}

func (pg *Page) Drop() {
	if pg == nil || pg.done {
		return
	}
	pg.done = true
	pg.km.Release(pg.pa)
}
