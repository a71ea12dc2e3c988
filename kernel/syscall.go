package kernel

import "fmt"

// The system calls a process body makes. Each leaves its errno in the
// PCB and passes through usertrapret on the way back, so a killed
// process never returns from one.

func (p *Proc) ret(err error) error {
	p.errno = errnoOf(err)
	p.k.usertrapret(p)
	return err
}

func (p *Proc) Getpid() int {
	pid := p.Pid()
	p.ret(nil)
	return pid
}

// Errno is the result of p's last system call.
func (p *Proc) Errno() Errno { return p.errno }

func (p *Proc) Fork(task Task) (int, error) {
	pid, err := p.k.Fork(p, task)
	return pid, p.ret(err)
}

// Exit does not return.
func (p *Proc) Exit(status int) {
	p.k.Exit(p, status)
}

func (p *Proc) Wait() (pid, status int, err error) {
	pid, status, err = p.k.Wait(p, 0)
	return pid, status, p.ret(err)
}

// WaitAt is wait(&status): the child's status is stored at addr.
func (p *Proc) WaitAt(addr uintptr) (int, error) {
	pid, _, err := p.k.Wait(p, addr)
	return pid, p.ret(err)
}

func (p *Proc) Kill(pid int) error {
	return p.ret(p.k.Kill(pid))
}

// Sbrk grows memory by n bytes and returns the old size.
func (p *Proc) Sbrk(n int) (uintptr, error) {
	addr := p.sz
	if err := p.k.Growproc(p, n); err != nil {
		return ^uintptr(0), p.ret(err)
	}
	return addr, p.ret(nil)
}

// Size is p's memory size in bytes.
func (p *Proc) Size() uintptr { return p.sz }

func (p *Proc) Pause(n int) error {
	return p.ret(p.k.Pause(p, n))
}

func (p *Proc) Uptime() uint64 {
	t := p.k.Uptime()
	p.ret(nil)
	return t
}

// SetPriority sets the priority of pid, or of p itself when pid is 0.
// A process that lowers itself below a waiting process yields.
func (p *Proc) SetPriority(pid, priority int) error {
	if pid == 0 {
		pid = p.Pid()
	}
	if err := p.k.SetPriority(pid, priority); err != nil {
		return p.ret(err)
	}
	if p.k.Scheduler() == Priority {
		p.k.Yield(p)
	}
	return p.ret(nil)
}

// GetPriority reports the priority of pid, or of p when pid is 0.
func (p *Proc) GetPriority(pid int) (int, error) {
	if pid == 0 {
		pid = p.Pid()
	}
	priority, err := p.k.GetPriority(pid)
	return priority, p.ret(err)
}

// Priority is p's own priority.
func (p *Proc) Priority() int {
	acquire(&p.lock)
	defer release(&p.lock)
	return p.priority
}

func (p *Proc) SetScheduler(kind PolicyKind) error {
	return p.ret(p.k.SetScheduler(kind))
}

// Yield gives up the CPU for one round.
func (p *Proc) Yield() {
	p.k.Yield(p)
	p.ret(nil)
}

// Tick delivers one timer interrupt to p, as if the clock fired while
// it was computing.
func (p *Proc) Tick() {
	p.k.usertrap(p, causeTimer, 0)
}

// Store writes b at user address va the way store instructions would.
// Writes to read-only or shared pages fault into usertrap; an
// unresolvable fault kills p.
func (p *Proc) Store(va uintptr, b []byte) {
	km := p.k.kmem
	for len(b) > 0 {
		va0 := PGROUNDDOWN(va)
		var pte *pte_t
		if va0 < MAXVA {
			pte = km.walk(p.pagetable, va0, false)
		}
		if pte == nil || *pte&PTE_V == 0 || *pte&PTE_U == 0 || *pte&PTE_W == 0 {
			p.k.usertrap(p, causeStorePageFault, va)
			continue
		}
		n := copy(km.mem.page(PTE2PA(*pte))[va-va0:], b)
		b = b[n:]
		va = va0 + PGSIZE
	}
}

// Load reads n bytes at user address va. A bad address or a negative
// length kills p.
func (p *Proc) Load(va uintptr, n int) []byte {
	if n < 0 {
		p.k.usertrap(p, causeLoadPageFault, va)
	}
	km := p.k.kmem
	out := make([]byte, 0, n)
	for len(out) < n {
		va0 := PGROUNDDOWN(va)
		pa0, ok := km.walkaddr(p.pagetable, va0)
		if !ok {
			p.k.usertrap(p, causeLoadPageFault, va)
			continue
		}
		src := km.mem.page(pa0)[va-va0:]
		if len(src) > n-len(out) {
			src = src[:n-len(out)]
		}
		out = append(out, src...)
		va = va0 + PGSIZE
	}
	return out
}

// Open installs f in p's lowest free descriptor.
func (p *Proc) Open(f File) (int, error) {
	fd, err := p.fdalloc(f)
	return fd, p.ret(err)
}

func (p *Proc) Close(fd int) error {
	if fd < 0 || fd >= NOFILE || p.ofile[fd] == nil {
		return p.ret(fmt.Errorf("close %d: %w", fd, EBADF))
	}
	p.ofile[fd].Close()
	p.ofile[fd] = nil
	return p.ret(nil)
}

func (p *Proc) Write(fd int, b []byte) (int, error) {
	if fd < 0 || fd >= NOFILE || p.ofile[fd] == nil {
		return -1, p.ret(fmt.Errorf("write %d: %w", fd, EBADF))
	}
	n, err := p.ofile[fd].Write(b)
	return n, p.ret(err)
}

// Printf writes to standard output.
func (p *Proc) Printf(format string, args ...interface{}) {
	p.Write(1, []byte(fmt.Sprintf(format, args...)))
}

func (p *Proc) SemWait(s *Semaphore) error {
	return p.ret(p.k.SemWait(p, s))
}

func (p *Proc) SemPost(s *Semaphore) {
	p.k.SemPost(s)
	p.ret(nil)
}

func (p *Proc) MutexLock(m *Mutex) error {
	return p.ret(p.k.MutexLock(p, m))
}

func (p *Proc) MutexUnlock(m *Mutex) error {
	return p.ret(p.k.MutexUnlock(p, m))
}

func (p *Proc) CondWait(cv *Cond, m *Mutex) error {
	return p.ret(p.k.CondWait(p, cv, m))
}

func (p *Proc) CondSignal(cv *Cond) {
	p.k.CondSignal(cv)
	p.ret(nil)
}

func (p *Proc) CondBroadcast(cv *Cond) {
	p.k.CondBroadcast(cv)
	p.ret(nil)
}

func (p *Proc) ReadLock(rw *RWLock) error {
	return p.ret(p.k.ReadLock(p, rw))
}

func (p *Proc) ReadUnlock(rw *RWLock) error {
	return p.ret(p.k.ReadUnlock(rw))
}

func (p *Proc) WriteLock(rw *RWLock) error {
	return p.ret(p.k.WriteLock(p, rw))
}

func (p *Proc) WriteUnlock(rw *RWLock) error {
	return p.ret(p.k.WriteUnlock(p, rw))
}

// Chdir replaces p's current directory.
func (p *Proc) Chdir(ip Inode) {
	if p.cwd != nil {
		p.cwd.Put()
	}
	p.cwd = ip.Dup()
	p.ret(nil)
}
