package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Kernel is one simulated machine: physical memory, the process table
// and NCPU cores each running the scheduler loop.
type Kernel struct {
	cfg        Config
	kmem       *Kmem
	trampoline uintptr

	proc     []Proc
	initproc *Proc
	root     Inode
	pidLock  Spinlock
	nextpid  int

	// helps ensure that wakeups of wait()ing
	// parents are not lost. helps obey the
	// memory model when using p.parent.
	// must be acquired before any p.lock.
	waitLock Spinlock

	cpus   []*cpu
	policy selector
	mlfq   *Mlfq
	plic   plic

	ticksLock Spinlock
	ticks     atomic.Uint64 // written under ticksLock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New boots the memory and process subsystems. Nothing runs until
// Start.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{cfg: cfg}

	klog.Info("kmeminit...")
	k.kmem = kinit(cfg.PhysPages)
	k.kmem.cow.debug = cfg.COWDebug

	// the trampoline page is shared by every process and never freed.
	tramp, ok := k.kmem.Kalloc()
	if !ok {
		return nil, fmt.Errorf("trampoline: %w", ENOMEM)
	}
	memset(k.kmem.mem.page(tramp), 0)
	k.trampoline = tramp

	klog.Info("procinit...")
	k.procinit()
	k.mlfq = newMlfq()
	initlock(&k.policy.lock, "policy")
	initlock(&k.ticksLock, "time")

	for i := 0; i < cfg.NCPU; i++ {
		k.cpus = append(k.cpus, &cpu{id: i})
	}

	kind, err := ParsePolicy(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	pol, err := k.policyFor(kind)
	if err != nil {
		return nil, err
	}
	k.policy.set(pol)

	klog.Infof("xv6 kernel is booting: %d cpus, %d procs, %d pages, scheduler %s, cow %v",
		cfg.NCPU, cfg.NPROC, cfg.PhysPages, kind, cfg.COW)
	return k, nil
}

// SetRoot sets the directory processes start in.
func (k *Kernel) SetRoot(ip Inode) { k.root = ip }

func (k *Kernel) Config() Config { return k.cfg }

// Start runs the clock and one scheduler per core until ctx is done or
// Shutdown is called.
func (k *Kernel) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	for _, c := range k.cpus {
		k.wg.Add(1)
		go k.scheduler(ctx, c)
	}
	k.wg.Add(1)
	go k.clock(ctx)
	klog.Infof("hart 0 starting, %d cores", len(k.cpus))
}

// Shutdown stops every core after its current slice and ends the
// kernel threads of the processes left behind. Processes still
// computing in user code keep their core busy until they trap.
func (k *Kernel) Shutdown() {
	if k.cancel == nil {
		return
	}
	k.cancel()
	k.wg.Wait()
	k.cancel = nil

	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.context.wake != nil {
			close(p.context.wake)
			p.context.wake = nil
		}
		release(&p.lock)
	}
	klog.Info("halted")
}
