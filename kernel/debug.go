package kernel

import (
	"errors"
	"fmt"
	"io"
)

// Stats is a snapshot of kernel counters.
type Stats struct {
	Scheduler string
	Ticks     uint64

	FreePages int
	Allocs    uint64
	Frees     uint64

	COWFaults uint64
	COWCopies uint64
	COWReuses uint64

	Switches  uint64
	IdleLoops uint64
	Queues    [NMLFQ]int
}

func (k *Kernel) Stats() Stats {
	km := k.kmem
	s := Stats{
		Scheduler: k.Scheduler().String(),
		Ticks:     k.Uptime(),
		FreePages: km.NumFree(),
		Allocs:    km.allocs.Load(),
		Frees:     km.frees.Load(),
		COWFaults: km.cow.faults.Load(),
		COWCopies: km.cow.copies.Load(),
		COWReuses: km.cow.reuses.Load(),
		Queues:    k.mlfq.Lengths(),
	}
	for _, c := range k.cpus {
		s.Switches += c.switches.Load()
		s.IdleLoops += c.idle.Load()
	}
	return s
}

func (s Stats) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w,
		"scheduler %s, %d ticks\n"+
			"memory: %d free pages, %d allocs, %d frees\n"+
			"cow: %d faults, %d copies, %d reuses\n"+
			"cpu: %d switches, %d idle loops, mlfq queues %v\n",
		s.Scheduler, s.Ticks,
		s.FreePages, s.Allocs, s.Frees,
		s.COWFaults, s.COWCopies, s.COWReuses,
		s.Switches, s.IdleLoops, s.Queues)
	return int64(n), err
}

// countRefs adds one expected reference for every frame reachable
// from the page-table page at table, including the table pages.
func (k *Kernel) countRefs(table pagetable_t, want map[uintptr]uint32) {
	want[uintptr(table)]++
	for i := uintptr(0); i < 512; i++ {
		pte := k.kmem.pteAt(uintptr(table), i)
		if *pte&PTE_V == 0 {
			continue
		}
		pa := PTE2PA(*pte)
		if *pte&(PTE_R|PTE_W|PTE_X) == 0 {
			k.countRefs(pagetable_t(pa), want)
			continue
		}
		if pa == k.trampoline {
			continue
		}
		want[pa]++
	}
}

// VerifyRefcounts checks every allocated frame's reference count
// against the number of page tables mapping it. Call it while the
// table is quiet, for instance after Shutdown.
func (k *Kernel) VerifyRefcounts() error {
	want := map[uintptr]uint32{k.trampoline: 1}
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		pt := p.pagetable
		release(&p.lock)
		if pt != 0 {
			k.countRefs(pt, want)
		}
	}

	var errs []error
	for _, pa := range k.kmem.inuse() {
		if got := k.kmem.RefCount(pa); got != want[pa] {
			errs = append(errs, fmt.Errorf("frame %#x: refcount %d, %d mappings", pa, got, want[pa]))
		}
		delete(want, pa)
	}
	for pa, n := range want {
		errs = append(errs, fmt.Errorf("frame %#x: free but mapped %d times", pa, n))
	}
	return errors.Join(errs...)
}

// VerifyTable checks the per-state invariants of every slot.
func (k *Kernel) VerifyTable() error {
	var errs []error
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		queued := k.mlfq.level(p)
		switch {
		case p.state == UNUSED && (p.pid != 0 || p.pagetable != 0 || p.tfpa != 0):
			errs = append(errs, fmt.Errorf("slot %d: unused but holds pid %d", i, p.pid))
		case p.state != UNUSED && p.pid <= 0:
			errs = append(errs, fmt.Errorf("slot %d: %v without a pid", i, p.state))
		case p.state == RUNNABLE && queued != p.mlfqLevel:
			errs = append(errs, fmt.Errorf("pid %d: runnable at level %d but queued at %d", p.pid, p.mlfqLevel, queued))
		case p.state != RUNNABLE && queued != -1:
			errs = append(errs, fmt.Errorf("pid %d: %v but queued at %d", p.pid, p.state, queued))
		case p.state == RUNNING && p.cpu == nil:
			errs = append(errs, fmt.Errorf("pid %d: running on no cpu", p.pid))
		case p.state == SLEEPING && p.wchan == nil:
			errs = append(errs, fmt.Errorf("pid %d: sleeping on nothing", p.pid))
		case p.state == ZOMBIE && p.pagetable == 0:
			errs = append(errs, fmt.Errorf("pid %d: zombie without memory", p.pid))
		case p.priority < PRIO_MIN || p.priority > PRIO_MAX:
			errs = append(errs, fmt.Errorf("pid %d: priority %d", p.pid, p.priority))
		}
		release(&p.lock)
	}
	return errors.Join(errs...)
}
