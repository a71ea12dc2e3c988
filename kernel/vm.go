package kernel

import (
	"fmt"
	"unsafe"
)

// pteAt points into the page-table page at table.
func (km *Kmem) pteAt(table uintptr, idx uintptr) *pte_t {
	page := km.mem.page(table)
	return (*pte_t)(unsafe.Pointer(&page[idx*8]))
}

// Return the address of the PTE in page table pagetable
// that corresponds to virtual address va. If alloc is true,
// create any required page-table pages.
//
// The risc-v Sv39 scheme has three levels of page-table
// pages. A page-table page contains 512 64-bit PTEs.
// A 64-bit virtual address is split into five fields:
//   39..63 -- must be zero.
//   30..38 -- 9 bits of level-2 index.
//   21..29 -- 9 bits of level-1 index.
//   12..20 -- 9 bits of level-0 index.
//    0..11 -- 12 bits of byte offset within the page.
func (km *Kmem) walk(pagetable pagetable_t, va uintptr, alloc bool) *pte_t {
	if va >= MAXVA {
		kpanic("walk %#x", va)
	}

	for level := 2; level > 0; level-- {
		pte := km.pteAt(uintptr(pagetable), PX(level, va))

		if *pte&PTE_V != 0 {
			pagetable = pagetable_t(PTE2PA(*pte))
		} else {
			if !alloc {
				return nil
			}

			newPage, ok := km.Kalloc()
			if !ok {
				return nil
			}
			memset(km.mem.page(newPage), 0)

			*pte = PA2PTE(newPage) | PTE_V
			pagetable = pagetable_t(newPage)
		}
	}

	return km.pteAt(uintptr(pagetable), PX(0, va))
}

// walkaddr looks up a user virtual address and returns the physical
// address it maps to.
func (km *Kmem) walkaddr(pagetable pagetable_t, va uintptr) (uintptr, bool) {
	if va >= MAXVA {
		return 0, false
	}
	pte := km.walk(pagetable, va, false)
	if pte == nil || *pte&PTE_V == 0 || *pte&PTE_U == 0 {
		return 0, false
	}
	return PTE2PA(*pte), true
}

// Create PTEs for virtual addresses starting at va that refer to
// physical addresses starting at pa. va and size might not be
// page-aligned.
func (km *Kmem) mappages(pagetable pagetable_t, va uintptr, size uintptr, pa uintptr, perm int) error {
	if size == 0 {
		kpanic("mappages: size")
	}

	a := PGROUNDDOWN(va)
	last := PGROUNDDOWN(va + size - 1)
	for {
		pte := km.walk(pagetable, a, true)
		if pte == nil {
			return fmt.Errorf("mappages %#x: %w", a, ENOMEM)
		}
		if *pte&PTE_V != 0 {
			kpanic("mappages: remap %#x", a)
		}
		*pte = PA2PTE(pa) | pte_t(perm|PTE_V)
		if a == last {
			break
		}
		a += PGSIZE
		pa += PGSIZE
	}
	return nil
}

// uvmcreate makes an empty user page table.
func (km *Kmem) uvmcreate() (pagetable_t, error) {
	pa, ok := km.Kalloc()
	if !ok {
		return 0, fmt.Errorf("uvmcreate: %w", ENOMEM)
	}
	memset(km.mem.page(pa), 0)
	return pagetable_t(pa), nil
}

// Remove npages of mappings starting from va. va must be
// page-aligned. The mappings must exist. When doFree is set the
// mapping's reference on the frame is dropped.
func (km *Kmem) uvmunmap(pagetable pagetable_t, va uintptr, npages int, doFree bool) {
	if va%PGSIZE != 0 {
		kpanic("uvmunmap: not aligned")
	}

	for a := va; a < va+uintptr(npages)*PGSIZE; a += PGSIZE {
		pte := km.walk(pagetable, a, false)
		if pte == nil {
			kpanic("uvmunmap: walk %#x", a)
		}
		if *pte&PTE_V == 0 {
			kpanic("uvmunmap: not mapped %#x", a)
		}
		if PTE_FLAGS(*pte) == PTE_V {
			kpanic("uvmunmap: not a leaf")
		}
		if doFree {
			km.Release(PTE2PA(*pte))
		}
		*pte = 0
	}
}

// Allocate PTEs and physical memory to grow process from oldsz to
// newsz, which need not be page aligned. Returns new size.
func (km *Kmem) uvmalloc(pagetable pagetable_t, oldsz, newsz uintptr, xperm int) (uintptr, error) {
	if newsz < oldsz {
		return oldsz, nil
	}

	oldsz = PGROUNDUP(oldsz)
	for a := oldsz; a < newsz; a += PGSIZE {
		pg, err := km.AllocPage()
		if err != nil {
			km.uvmdealloc(pagetable, a, oldsz)
			return 0, err
		}
		memset(pg.Bytes(), 0)
		if err := km.mappages(pagetable, a, PGSIZE, pg.PA(), PTE_R|PTE_U|xperm); err != nil {
			pg.Drop()
			km.uvmdealloc(pagetable, a, oldsz)
			return 0, err
		}
		pg.Keep()
	}
	return newsz, nil
}

// Deallocate user pages to bring the process size from oldsz to
// newsz. oldsz and newsz need not be page-aligned, nor does newsz
// need to be less than oldsz. oldsz can be larger than the actual
// process size. Returns the new process size.
func (km *Kmem) uvmdealloc(pagetable pagetable_t, oldsz, newsz uintptr) uintptr {
	if newsz >= oldsz {
		return oldsz
	}

	if PGROUNDUP(newsz) < PGROUNDUP(oldsz) {
		npages := int((PGROUNDUP(oldsz) - PGROUNDUP(newsz)) / PGSIZE)
		km.uvmunmap(pagetable, PGROUNDUP(newsz), npages, true)
	}
	return newsz
}

// Recursively free page-table pages.
// All leaf mappings must already have been removed.
func (km *Kmem) freewalk(pagetable pagetable_t) {
	// there are 2^9 = 512 PTEs in a page table.
	for i := uintptr(0); i < 512; i++ {
		pte := km.pteAt(uintptr(pagetable), i)
		if *pte&PTE_V != 0 && *pte&(PTE_R|PTE_W|PTE_X) == 0 {
			// this PTE points to a lower-level page table.
			km.freewalk(pagetable_t(PTE2PA(*pte)))
			*pte = 0
		} else if *pte&PTE_V != 0 {
			kpanic("freewalk: leaf")
		}
	}
	km.Release(uintptr(pagetable))
}

// Free user memory pages, then free page-table pages.
func (km *Kmem) uvmfree(pagetable pagetable_t, sz uintptr) {
	if sz > 0 {
		km.uvmunmap(pagetable, 0, int(PGROUNDUP(sz)/PGSIZE), true)
	}
	km.freewalk(pagetable)
}

// uvmcopyEager gives the child its own copy of every page of the
// parent. Used when copy-on-write fork is switched off.
func (km *Kmem) uvmcopyEager(old, new pagetable_t, sz uintptr) error {
	for i := uintptr(0); i < sz; i += PGSIZE {
		pte := km.walk(old, i, false)
		if pte == nil || *pte&PTE_V == 0 {
			kpanic("uvmcopy: page not present %#x", i)
		}
		pa := PTE2PA(*pte)
		flags := PTE_FLAGS(*pte)
		if flags&PTE_COW != 0 {
			flags = (flags | PTE_W) &^ PTE_COW
		}
		pg, err := km.AllocPage()
		if err != nil {
			km.uvmunmap(new, 0, int(i/PGSIZE), true)
			return err
		}
		copy(pg.Bytes(), km.mem.page(pa))
		if err := km.mappages(new, i, PGSIZE, pg.PA(), flags); err != nil {
			pg.Drop()
			km.uvmunmap(new, 0, int(i/PGSIZE), true)
			return err
		}
		pg.Keep()
	}
	return nil
}

// Copy from kernel to user.
// Copy len(src) bytes to virtual address dstva in a given page table.
// Shared copy-on-write pages are split first, as a store would.
func (km *Kmem) copyout(pagetable pagetable_t, dstva uintptr, src []byte) error {
	for len(src) > 0 {
		va0 := PGROUNDDOWN(dstva)
		if va0 >= MAXVA {
			return fmt.Errorf("copyout %#x: %w", dstva, EFAULT)
		}
		pte := km.walk(pagetable, va0, false)
		if pte == nil || *pte&PTE_V == 0 || *pte&PTE_U == 0 {
			return fmt.Errorf("copyout %#x: %w", dstva, EFAULT)
		}
		if *pte&PTE_W == 0 {
			if err := km.ResolveCOWFault(pagetable, va0); err != nil {
				return err
			}
		}
		pa0 := PTE2PA(*pte)
		off := dstva - va0
		n := copy(km.mem.page(pa0)[off:], src)
		src = src[n:]
		dstva = va0 + PGSIZE
	}
	return nil
}

// Copy from user to kernel.
// Copy len(dst) bytes to dst from virtual address srcva in a given
// page table.
func (km *Kmem) copyin(pagetable pagetable_t, dst []byte, srcva uintptr) error {
	for len(dst) > 0 {
		va0 := PGROUNDDOWN(srcva)
		pa0, ok := km.walkaddr(pagetable, va0)
		if !ok {
			return fmt.Errorf("copyin %#x: %w", srcva, EFAULT)
		}
		off := srcva - va0
		n := copy(dst, km.mem.page(pa0)[off:])
		dst = dst[n:]
		srcva = va0 + PGSIZE
	}
	return nil
}
