package kernel

import "unsafe"

// Physical memory layout
//
// The simulated machine looks like qemu -machine virt from the kernel's
// point of view: RAM starts at KERNBASE and ends at PHYSTOP. Every frame
// in between belongs to the page allocator; the kernel image itself is
// not modelled, only the trampoline page it shares with every process.
//
// 80000000 -- first managed frame
// PHYSTOP  -- end of RAM (KERNBASE + phys_pages*PGSIZE)

const KERNBASE = uintptr(0x80000000)

// map the trampoline page to the highest address,
// in both user and kernel space.
const TRAMPOLINE = MAXVA - PGSIZE

// User memory layout.
// Address zero first:
//   text
//   original data and bss
//   expandable heap
//   ...
//   TRAPFRAME (p.trapframe, used by the trampoline)
//   TRAMPOLINE (the same page as in the kernel)
const TRAPFRAME = TRAMPOLINE - PGSIZE

// physmem is the RAM of the simulated machine. The backing store is
// word-aligned so that page-table pages can be read through *pte_t.
type physmem struct {
	base uintptr
	top  uintptr
	ram  []byte
}

func newPhysmem(npages int) *physmem {
	words := make([]uint64, npages*int(PGSIZE)/8)
	var ram []byte
	if len(words) > 0 {
		ram = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	}
	return &physmem{
		base: KERNBASE,
		top:  KERNBASE + uintptr(npages)*PGSIZE,
		ram:  ram,
	}
}

func (m *physmem) valid(pa uintptr) bool {
	return pa%PGSIZE == 0 && pa >= m.base && pa < m.top
}

func (m *physmem) npages() int { return int((m.top - m.base) / PGSIZE) }

func (m *physmem) index(pa uintptr) int { return int((pa - m.base) / PGSIZE) }

func (m *physmem) frame(idx int) uintptr { return m.base + uintptr(idx)*PGSIZE }

// page returns the PGSIZE bytes of the frame at pa.
func (m *physmem) page(pa uintptr) []byte {
	if !m.valid(pa) {
		kpanic("physmem: bad frame %#x", pa)
	}
	off := pa - m.base
	return m.ram[off : off+PGSIZE : off+PGSIZE]
}
