package kernel

const PGSIZE = uintptr(4096)
const PGSHIFT = 12

// one beyond the highest possible virtual address.
// MAXVA is actually one bit less than the max allowed by
// Sv39, to avoid having to sign-extend virtual addresses
// that have the high bit set.
const MAXVA = uintptr(1) << (9 + 9 + 9 + 12 - 1)

const (
	PTE_V = 1 << 0 // Valid
	PTE_R = 1 << 1 // Readable
	PTE_W = 1 << 2 // Writable
	PTE_X = 1 << 3 // Executable
	PTE_U = 1 << 4 // User
	PTE_G = 1 << 5 // Global
	PTE_A = 1 << 6 // Accessed
	PTE_D = 1 << 7 // Dirty

	// RSW bit: shared copy-on-write page, PTE_W is clear while set.
	PTE_COW = 1 << 8
)

type pte_t uint64
type pagetable_t uintptr

func PX(level int, va uintptr) uintptr { return (va >> (PGSHIFT + uintptr(level)*9)) & 0x1FF }
func PTE2PA(pte pte_t) uintptr       { return (uintptr(pte) >> 10) << 12 }
func PA2PTE(pa uintptr) pte_t        { return pte_t((pa >> 12) << 10) }
func PTE_FLAGS(pte pte_t) int        { return int(pte & 0x3FF) }

func PGROUNDDOWN(a uintptr) uintptr { return a &^ (PGSIZE - 1) }
func PGROUNDUP(a uintptr) uintptr   { return (a + PGSIZE - 1) &^ (PGSIZE - 1) }

// scause values delivered to usertrap.
type scause uint64

const (
	causeLoadPageFault  scause = 13
	causeStorePageFault scause = 15
	causeTimer          scause = 0x8000000000000005
)
