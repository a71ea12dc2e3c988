package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const NOFILE = 16 // open files per process

// priorities: larger is more urgent
const (
	PRIO_MIN     = 0
	PRIO_MAX     = 9
	PRIO_DEFAULT = 5
)

type procstate int

const (
	UNUSED   procstate = iota // 0
	USED                      // 1
	SLEEPING                  // 2
	RUNNABLE                  // 3
	RUNNING                   // 4
	ZOMBIE                    // 5
)

// Task is the code a process runs. It returns to exit(0).
type Task func(p *Proc)

// Context is the saved kernel-thread state of a switched-out process or
// of a core's scheduler loop. The callee-saved registers live on the
// goroutine parked on wake; switching to the context unparks it.
type Context struct {
	wake chan struct{}
}

func newContext() Context {
	return Context{wake: make(chan struct{}, 1)}
}

// per-process data for the trap handling code in trampoline.S.
// The trap frame sits in a page by itself just under the trampoline
// page in the user page table; Trapframe is a view of that page.
type Trapframe []byte

const (
	tfKernelSatp   = 0
	tfKernelSp     = 8
	tfKernelTrap   = 16
	tfEpc          = 24
	tfKernelHartid = 32
	tfRa           = 40
	tfSp           = 48
	tfA0           = 112
	tfA1           = 120
)

func (tf Trapframe) get(off int) uint64    { return binary.LittleEndian.Uint64(tf[off:]) }
func (tf Trapframe) set(off int, v uint64) { binary.LittleEndian.PutUint64(tf[off:], v) }

func (tf Trapframe) Epc() uint64     { return tf.get(tfEpc) }
func (tf Trapframe) SetEpc(v uint64) { tf.set(tfEpc, v) }
func (tf Trapframe) Sp() uint64      { return tf.get(tfSp) }
func (tf Trapframe) SetSp(v uint64)  { tf.set(tfSp, v) }
func (tf Trapframe) A0() uint64      { return tf.get(tfA0) }
func (tf Trapframe) SetA0(v uint64)  { tf.set(tfA0, v) }

// Per-process state
type Proc struct {
	lock Spinlock

	// p.lock must be held when using these:
	state       procstate // Process state
	wchan       any       // If non-nil, sleeping on wchan
	killed      bool      // If true, have been killed
	xstate      int       // Exit status to be returned to parent's wait
	pid         int       // Process ID
	priority    int       // PRIO_MIN..PRIO_MAX
	mlfqLevel   int       // MLFQ queue, 0 is the most responsive
	timeQuantum int       // ticks allowed at mlfqLevel
	timeUsed    int       // ticks used of the current quantum
	cpu         *cpu      // core running or last running p
	runTicks    uint64    // ticks spent RUNNING
	waitTicks   uint64    // ticks spent RUNNABLE
	switches    uint64    // times a scheduler picked p
	readyAt     uint64    // tick p last became RUNNABLE
	runAt       uint64    // tick p was last switched in

	// k.waitLock must be held when using this:
	parent *Proc // Parent process

	// these are private to the process, so p.lock need not be held.
	k         *Kernel
	sz        uintptr     // Size of process memory (bytes)
	pagetable pagetable_t // User page table
	tfpa      uintptr     // frame backing trapframe
	trapframe Trapframe   // data page for trampoline.S
	context   Context     // swtch() here to run process
	ofile     [NOFILE]File
	cwd       Inode
	name      string // Process name (debugging)
	errno     Errno  // result of the last system call
	task      Task
}

func (k *Kernel) procinit() {
	initlock(&k.pidLock, "nextpid")
	initlock(&k.waitLock, "wait_lock")
	k.nextpid = 1
	k.proc = make([]Proc, k.cfg.NPROC)
	for i := range k.proc {
		p := &k.proc[i]
		initlock(&p.lock, "proc")
		p.state = UNUSED
		p.k = k
	}
}

func (k *Kernel) allocpid() int {
	acquire(&k.pidLock)
	pid := k.nextpid
	k.nextpid++
	release(&k.pidLock)
	return pid
}

// Look in the process table for an UNUSED proc.
// If found, initialize state required to run in the kernel,
// and return with p.lock held.
// If there are no free procs, or a memory allocation fails, return an
// error and leave the table as it was.
func (k *Kernel) allocproc(task Task) (*Proc, error) {
	var p *Proc
	for i := range k.proc {
		p = &k.proc[i]
		acquire(&p.lock)
		if p.state == UNUSED {
			goto found
		}
		release(&p.lock)
	}
	return nil, fmt.Errorf("allocproc: process table full: %w", EAGAIN)

found:
	p.pid = k.allocpid()
	p.state = USED
	p.priority = PRIO_DEFAULT
	p.errno = EOK
	p.mlfqLevel = 0
	p.timeUsed = 0
	p.timeQuantum = mlfqQuantum(0)
	p.runTicks, p.waitTicks, p.switches = 0, 0, 0
	p.task = task

	// Allocate a trapframe page.
	tf, err := k.kmem.AllocPage()
	if err != nil {
		k.freeproc(p)
		release(&p.lock)
		return nil, fmt.Errorf("allocproc: trapframe: %w", err)
	}
	memset(tf.Bytes(), 0)
	p.tfpa = tf.Keep()
	p.trapframe = Trapframe(k.kmem.mem.page(p.tfpa))

	// An empty user page table.
	pt, err := k.proc_pagetable(p)
	if err != nil {
		k.freeproc(p)
		release(&p.lock)
		return nil, fmt.Errorf("allocproc: pagetable: %w", err)
	}
	p.pagetable = pt

	// Set up a new kernel thread that starts executing at forkret
	// the first time the scheduler switches to it.
	p.context = newContext()
	go k.kthread(p, p.context.wake)

	return p, nil
}

// free a proc structure and the data hanging from it,
// including user pages.
// p.lock must be held.
func (k *Kernel) freeproc(p *Proc) {
	if p.tfpa != 0 {
		k.kmem.Release(p.tfpa)
	}
	p.tfpa = 0
	p.trapframe = nil
	if p.pagetable != 0 {
		k.proc_freepagetable(p.pagetable, p.sz)
	}
	p.pagetable = 0
	p.sz = 0
	p.pid = 0
	if p.parent != nil {
		p.parent = nil
	}
	p.name = ""
	p.wchan = nil
	p.killed = false
	p.xstate = 0
	p.task = nil
	p.cpu = nil
	if p.context.wake != nil {
		close(p.context.wake)
	}
	p.context = Context{}
	p.state = UNUSED
}

// Create a user page table for a given process, with no user memory,
// but with trampoline and trapframe pages.
func (k *Kernel) proc_pagetable(p *Proc) (pagetable_t, error) {
	km := k.kmem

	// An empty page table.
	pagetable, err := km.uvmcreate()
	if err != nil {
		return 0, err
	}

	// map the trampoline code (for system call return)
	// at the highest user virtual address.
	// only the supervisor uses it, on the way
	// to/from user space, so not PTE_U.
	if err := km.mappages(pagetable, TRAMPOLINE, PGSIZE, k.trampoline, PTE_R|PTE_X); err != nil {
		km.uvmfree(pagetable, 0)
		return 0, err
	}

	// map the trapframe page just below the trampoline page, for
	// trampoline.S.
	if err := km.mappages(pagetable, TRAPFRAME, PGSIZE, p.tfpa, PTE_R|PTE_W); err != nil {
		km.uvmunmap(pagetable, TRAMPOLINE, 1, false)
		km.uvmfree(pagetable, 0)
		return 0, err
	}

	return pagetable, nil
}

// Free a process's page table, and free the
// physical memory it refers to.
func (k *Kernel) proc_freepagetable(pagetable pagetable_t, sz uintptr) {
	k.kmem.uvmunmap(pagetable, TRAMPOLINE, 1, false)
	k.kmem.uvmunmap(pagetable, TRAPFRAME, 1, false)
	k.kmem.uvmfree(pagetable, sz)
}

// UserInit sets up the first user process with size bytes of zeroed
// memory. Once task returns, init reaps orphaned children forever.
func (k *Kernel) UserInit(name string, size uintptr, task Task) (*Proc, error) {
	if k.initproc != nil {
		return nil, fmt.Errorf("userinit: init already running: %w", EPERM)
	}
	p, err := k.allocproc(task)
	if err != nil {
		return nil, fmt.Errorf("userinit: %w", err)
	}

	sz, err := k.kmem.uvmalloc(p.pagetable, 0, size, PTE_W)
	if err != nil {
		k.freeproc(p)
		release(&p.lock)
		return nil, fmt.Errorf("userinit: %w", err)
	}
	p.sz = sz

	// prepare for the very first "return" from kernel to user.
	p.trapframe.SetEpc(0)                    // user program counter
	p.trapframe.SetSp(uint64(PGROUNDUP(sz))) // user stack pointer

	p.name = safestrcpy(name, 16)
	if k.root != nil {
		p.cwd = k.root.Dup()
	}
	k.initproc = p

	k.makeRunnable(p)
	release(&p.lock)

	procLog.Infof("userinit: pid %d %q, %d bytes", p.pid, p.name, sz)
	return p, nil
}

// Grow or shrink user memory by n bytes.
func (k *Kernel) Growproc(p *Proc, n int) error {
	sz := p.sz
	if n > 0 {
		if sz+uintptr(n) > TRAPFRAME {
			return fmt.Errorf("growproc: %w", ENOMEM)
		}
		var err error
		if sz, err = k.kmem.uvmalloc(p.pagetable, sz, sz+uintptr(n), PTE_W); err != nil {
			return fmt.Errorf("growproc: %w", err)
		}
	} else if n < 0 {
		if uintptr(-n) > sz {
			return fmt.Errorf("growproc: shrink below zero: %w", EINVAL)
		}
		sz = k.kmem.uvmdealloc(p.pagetable, sz, sz-uintptr(-n))
	}
	p.sz = sz
	return nil
}

// Create a new process running task, sharing the parent's memory
// copy-on-write. Returns the child's pid.
func (k *Kernel) Fork(p *Proc, task Task) (int, error) {
	// Allocate process.
	np, err := k.allocproc(task)
	if err != nil {
		return -1, fmt.Errorf("fork: %w", err)
	}

	// Copy user memory from parent to child.
	uvmcopy := k.kmem.uvmcopy
	if !k.cfg.COW {
		uvmcopy = k.kmem.uvmcopyEager
	}
	if err := uvmcopy(p.pagetable, np.pagetable, p.sz); err != nil {
		k.freeproc(np)
		release(&np.lock)
		return -1, fmt.Errorf("fork: %w", err)
	}
	np.sz = p.sz

	// copy saved user registers.
	copy(np.trapframe, p.trapframe)

	// Cause fork to return 0 in the child.
	np.trapframe.SetA0(0)

	// increment reference counts on open file descriptors.
	for i, f := range p.ofile {
		if f != nil {
			np.ofile[i] = f.Dup()
		}
	}
	if p.cwd != nil {
		np.cwd = p.cwd.Dup()
	}

	np.name = p.name

	pid := np.pid

	release(&np.lock)

	acquire(&k.waitLock)
	np.parent = p
	release(&k.waitLock)

	acquire(&np.lock)
	k.makeRunnable(np)
	childPriority := np.priority
	release(&np.lock)

	acquire(&p.lock)
	parentPriority := p.priority
	release(&p.lock)

	p.trapframe.SetA0(uint64(pid))
	procLog.Debugf("fork: pid %d -> %d", p.pid, pid)

	// an urgent child should not wait for the parent's slice to end
	if childPriority > parentPriority {
		k.Yield(p)
	}

	return pid, nil
}

// Pass p's abandoned children to init.
// Caller must hold k.waitLock.
func (k *Kernel) reparent(p *Proc) {
	for i := range k.proc {
		pp := &k.proc[i]
		if pp.parent == p {
			pp.parent = k.initproc
			k.Wakeup(k.initproc)
		}
	}
}

// Exit the current process. Does not return.
// An exited process remains in the zombie state
// until its parent calls wait().
func (k *Kernel) Exit(p *Proc, status int) {
	if p == k.initproc {
		kpanic("init exiting")
	}

	// Close all open files.
	for fd, f := range p.ofile {
		if f != nil {
			f.Close()
			p.ofile[fd] = nil
		}
	}

	if p.cwd != nil {
		p.cwd.Put()
		p.cwd = nil
	}

	acquire(&k.waitLock)

	// Give any children to init.
	k.reparent(p)

	// Parent might be sleeping in wait().
	k.Wakeup(p.parent)

	acquire(&p.lock)

	p.xstate = status
	p.state = ZOMBIE
	procLog.Debugf("exit: pid %d status %d", p.pid, status)

	release(&k.waitLock)

	// Jump into the scheduler, never to return.
	k.sched(p)
	kpanic("zombie exit")
}

// Wait for a child process to exit and return its pid and exit
// status. When addr is non-zero the status is also copied to that
// user address.
func (k *Kernel) Wait(p *Proc, addr uintptr) (int, int, error) {
	acquire(&k.waitLock)

	for {
		// Scan through table looking for exited children.
		havekids := false
		for i := range k.proc {
			pp := &k.proc[i]
			if pp.parent != p {
				continue
			}
			// make sure the child isn't still in exit() or swtch().
			acquire(&pp.lock)

			havekids = true
			if pp.state == ZOMBIE {
				// Found one.
				pid, status := pp.pid, pp.xstate
				if addr != 0 {
					var buf [4]byte
					binary.LittleEndian.PutUint32(buf[:], uint32(int32(status)))
					if err := k.kmem.copyout(p.pagetable, addr, buf[:]); err != nil {
						release(&pp.lock)
						release(&k.waitLock)
						return -1, 0, fmt.Errorf("wait: %w", err)
					}
				}
				k.freeproc(pp)
				release(&pp.lock)
				release(&k.waitLock)
				return pid, status, nil
			}
			release(&pp.lock)
		}

		// No point waiting if we don't have any children.
		if !havekids {
			release(&k.waitLock)
			return -1, 0, fmt.Errorf("wait: %w", ECHILD)
		}
		if k.killed(p) {
			release(&k.waitLock)
			return -1, 0, fmt.Errorf("wait: %w", EINTR)
		}

		// Wait for a child to exit.
		k.Sleep(p, p, &k.waitLock)
	}
}

// haveKids reports whether p has any child, live or zombie.
// Caller must hold k.waitLock.
func (k *Kernel) haveKids(p *Proc) bool {
	for i := range k.proc {
		if k.proc[i].parent == p {
			return true
		}
	}
	return false
}

// reapOrphans is what init does once its own task is over.
func (k *Kernel) reapOrphans(p *Proc) {
	for {
		pid, status, err := k.Wait(p, 0)
		if err == nil {
			procLog.Debugf("init: reaped pid %d status %d", pid, status)
			continue
		}
		if !errors.Is(err, ECHILD) {
			kpanic("init: wait: %v", err)
		}
		acquire(&k.waitLock)
		if !k.haveKids(p) {
			k.Sleep(p, p, &k.waitLock)
		}
		release(&k.waitLock)
	}
}

// Give up the CPU for one scheduling round.
func (k *Kernel) Yield(p *Proc) {
	acquire(&p.lock)
	k.makeRunnable(p)
	k.sched(p)
	release(&p.lock)
}

// kthread is the goroutine behind a process. It waits for the
// scheduler's first switch and then starts at forkret.
func (k *Kernel) kthread(p *Proc, wake chan struct{}) {
	if _, ok := <-wake; !ok {
		// freed before it ever ran
		return
	}
	k.forkret(p)
}

// A fork child's very first scheduling by scheduler()
// will swtch to forkret.
func (k *Kernel) forkret(p *Proc) {
	// Still holding p.lock from scheduler.
	release(&p.lock)

	k.usertrapret(p)
	p.task(p)

	if p == k.initproc {
		k.reapOrphans(p)
	}
	k.Exit(p, 0)
}

// Sleep atomically releases lk and sleeps on chan.
// Reacquires lk when awakened.
func (k *Kernel) Sleep(p *Proc, chan_ any, lk *Spinlock) {
	if chan_ == nil {
		kpanic("sleep: nil channel")
	}

	// Must acquire p.lock in order to
	// change p.state and then call sched.
	// Once we hold p.lock, we can be
	// guaranteed that we won't miss any wakeup
	// (wakeup locks p.lock),
	// so it's okay to release lk.
	acquire(&p.lock)
	release(lk)

	// Go to sleep.
	p.wchan = chan_
	p.state = SLEEPING

	k.sched(p)

	// Tidy up.
	p.wchan = nil

	// Reacquire original lock.
	release(&p.lock)
	acquire(lk)
}

// Wake up all processes sleeping on chan.
// Must be called without any p.lock.
func (k *Kernel) Wakeup(chan_ any) {
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.state == SLEEPING && p.wchan == chan_ {
			k.wakeLocked(p)
		}
		release(&p.lock)
	}
}

// wakeLocked returns a sleeping process to the ready pool one MLFQ
// level up. Caller holds p.lock.
func (k *Kernel) wakeLocked(p *Proc) {
	p.promote()
	k.makeRunnable(p)
}

// makeRunnable puts p in the ready pool. Caller holds p.lock.
func (k *Kernel) makeRunnable(p *Proc) {
	if p.state == RUNNABLE {
		kpanic("makeRunnable: pid %d already runnable", p.pid)
	}
	p.state = RUNNABLE
	p.readyAt = k.ticks.Load()
	k.mlfq.push(p)
	k.plic.raise()
}

// Wake up the first process sleeping on chan, in table order.
// Reports whether one was woken.
func (k *Kernel) wakeupOne(chan_ any) bool {
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.state == SLEEPING && p.wchan == chan_ {
			k.wakeLocked(p)
			release(&p.lock)
			return true
		}
		release(&p.lock)
	}
	return false
}

// Kill the process with the given pid.
// The victim won't exit until it tries to return
// to user space (see usertrapret()).
func (k *Kernel) Kill(pid int) error {
	if k.initproc != nil && pid == k.initproc.pid {
		return fmt.Errorf("kill %d: %w", pid, EPERM)
	}
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.pid == pid && p.state != UNUSED {
			p.killed = true
			if p.state == SLEEPING {
				// Wake process from sleep().
				k.wakeLocked(p)
			}
			release(&p.lock)
			return nil
		}
		release(&p.lock)
	}
	return fmt.Errorf("kill %d: %w", pid, ESRCH)
}

func (k *Kernel) setkilled(p *Proc) {
	acquire(&p.lock)
	p.killed = true
	release(&p.lock)
}

func (k *Kernel) killed(p *Proc) bool {
	acquire(&p.lock)
	killed := p.killed
	release(&p.lock)
	return killed
}

// SetPriority changes the priority of the process with the given pid.
func (k *Kernel) SetPriority(pid, priority int) error {
	if priority < PRIO_MIN || priority > PRIO_MAX {
		return fmt.Errorf("setpriority %d: %w", priority, EINVAL)
	}
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.pid == pid && p.state != UNUSED {
			p.priority = priority
			release(&p.lock)
			return nil
		}
		release(&p.lock)
	}
	return fmt.Errorf("setpriority: pid %d: %w", pid, ESRCH)
}

// GetPriority reports the priority of the process with the given pid.
func (k *Kernel) GetPriority(pid int) (int, error) {
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.pid == pid && p.state != UNUSED {
			priority := p.priority
			release(&p.lock)
			return priority, nil
		}
		release(&p.lock)
	}
	return -1, fmt.Errorf("getpriority: pid %d: %w", pid, ESRCH)
}

func (p *Proc) Pid() int {
	acquire(&p.lock)
	pid := p.pid
	release(&p.lock)
	return pid
}

func (p *Proc) Name() string { return p.name }

func (p *Proc) State() procstate {
	acquire(&p.lock)
	s := p.state
	release(&p.lock)
	return s
}

// Level is p's current MLFQ level.
func (p *Proc) Level() int {
	acquire(&p.lock)
	l := p.mlfqLevel
	release(&p.lock)
	return l
}

func (p *Proc) Killed() bool { return p.k.killed(p) }

// Accounting reports the ticks p has spent running and waiting to
// run, and how many times it has been scheduled.
func (p *Proc) Accounting() (run, wait, switches uint64) {
	acquire(&p.lock)
	defer release(&p.lock)
	return p.runTicks, p.waitTicks, p.switches
}

// ParentPid is the pid of p's parent, 0 for init.
func (p *Proc) ParentPid() int {
	acquire(&p.k.waitLock)
	parent := p.parent
	release(&p.k.waitLock)
	if parent == nil {
		return 0
	}
	return parent.Pid()
}

// Trapframe gives access to the saved user registers.
func (p *Proc) Trapframe() Trapframe { return p.trapframe }
