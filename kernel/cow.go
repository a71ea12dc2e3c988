package kernel

import (
	"fmt"
	"sync/atomic"
)

// cowStats counts store faults on shared pages.
type cowStats struct {
	faults atomic.Uint64
	copies atomic.Uint64
	reuses atomic.Uint64
	debug  bool
}

// Given a parent process's page table, share its memory with a child's
// page table instead of copying it. Writable pages become read-only
// copy-on-write in both tables; every shared frame gains one reference.
// On failure the child's partial mappings are removed again.
func (km *Kmem) uvmcopy(old, new pagetable_t, sz uintptr) error {
	for i := uintptr(0); i < sz; i += PGSIZE {
		pte := km.walk(old, i, false)
		if pte == nil {
			kpanic("uvmcopy: pte should exist %#x", i)
		}
		if *pte&PTE_V == 0 {
			kpanic("uvmcopy: page not present %#x", i)
		}
		pa := PTE2PA(*pte)
		if *pte&PTE_W != 0 {
			*pte = (*pte &^ PTE_W) | PTE_COW
		}
		flags := PTE_FLAGS(*pte)
		if err := km.mappages(new, i, PGSIZE, pa, flags); err != nil {
			km.uvmunmap(new, 0, int(i/PGSIZE), true)
			return err
		}
		km.Retain(pa)
	}
	return nil
}

// ResolveCOWFault handles a store fault at va in pagetable. A page
// that is not mapped, not user accessible or not copy-on-write is a
// genuine protection fault and yields EFAULT. A frame nobody else
// references is made writable in place; otherwise the page is copied
// into a fresh frame, which fails with ENOMEM when memory is out.
func (km *Kmem) ResolveCOWFault(pagetable pagetable_t, va uintptr) error {
	if va >= MAXVA {
		return fmt.Errorf("cow %#x: %w", va, EFAULT)
	}
	va = PGROUNDDOWN(va)
	pte := km.walk(pagetable, va, false)
	if pte == nil || *pte&PTE_V == 0 || *pte&PTE_U == 0 {
		return fmt.Errorf("cow %#x: not mapped: %w", va, EFAULT)
	}
	if *pte&PTE_COW == 0 {
		return fmt.Errorf("cow %#x: read-only page: %w", va, EFAULT)
	}
	km.cow.faults.Add(1)

	pa := PTE2PA(*pte)
	flags := (PTE_FLAGS(*pte) | PTE_W) &^ PTE_COW

	if km.RefCount(pa) == 1 {
		// last mapping of the frame: take it over
		*pte = PA2PTE(pa) | pte_t(flags)
		km.cow.reuses.Add(1)
		if km.cow.debug {
			vmLog.Debugf("cow: reuse pa=%#x va=%#x", pa, va)
		}
		return nil
	}

	pg, err := km.AllocPage()
	if err != nil {
		return fmt.Errorf("cow %#x: %w", va, err)
	}
	copy(pg.Bytes(), km.mem.page(pa))
	*pte = PA2PTE(pg.Keep()) | pte_t(flags)
	km.Release(pa)
	km.cow.copies.Add(1)
	if km.cow.debug {
		vmLog.Debugf("cow: copy pa=%#x -> %#x va=%#x", pa, PTE2PA(*pte), va)
	}
	return nil
}
