package kernel

import "fmt"

// Sleeping locks for processes, built on sleep and wakeup like
// Semaphore. A process blocked in one gives up the CPU, and a killed
// process stops waiting with EINTR.

// Mutex is a lock held by at most one process.
type Mutex struct {
	lock   Spinlock
	locked bool
	owner  int // pid of the holder
}

func NewMutex(name string) *Mutex {
	m := &Mutex{}
	initlock(&m.lock, name)
	return m
}

func (k *Kernel) MutexLock(p *Proc, m *Mutex) error {
	pid := p.Pid()
	acquire(&m.lock)
	for m.locked {
		if k.killed(p) {
			release(&m.lock)
			return fmt.Errorf("mutex %s: %w", m.lock.name, EINTR)
		}
		k.Sleep(p, m, &m.lock)
	}
	m.locked = true
	m.owner = pid
	release(&m.lock)
	return nil
}

// MutexUnlock fails with EPERM unless p holds m.
func (k *Kernel) MutexUnlock(p *Proc, m *Mutex) error {
	pid := p.Pid()
	acquire(&m.lock)
	if !m.locked || m.owner != pid {
		release(&m.lock)
		return fmt.Errorf("mutex %s: unlock by pid %d: %w", m.lock.name, pid, EPERM)
	}
	m.locked = false
	m.owner = 0
	k.Wakeup(m)
	release(&m.lock)
	return nil
}

// Holder is the pid holding m, or 0.
func (m *Mutex) Holder() int {
	acquire(&m.lock)
	defer release(&m.lock)
	return m.owner
}

// Cond is a condition variable used with a Mutex.
type Cond struct {
	lock Spinlock
}

func NewCond(name string) *Cond {
	cv := &Cond{}
	initlock(&cv.lock, name)
	return cv
}

// CondWait releases m, sleeps until cv is signalled, and takes m back.
// p must hold m. On error p does not hold m.
func (k *Kernel) CondWait(p *Proc, cv *Cond, m *Mutex) error {
	// cv.lock is held across the unlock so a signal sent after m is
	// released finds p asleep.
	acquire(&cv.lock)
	if err := k.MutexUnlock(p, m); err != nil {
		release(&cv.lock)
		return err
	}
	k.Sleep(p, cv, &cv.lock)
	release(&cv.lock)
	return k.MutexLock(p, m)
}

// CondSignal wakes one process waiting on cv.
func (k *Kernel) CondSignal(cv *Cond) {
	acquire(&cv.lock)
	k.wakeupOne(cv)
	release(&cv.lock)
}

// CondBroadcast wakes every process waiting on cv.
func (k *Kernel) CondBroadcast(cv *Cond) {
	acquire(&cv.lock)
	k.Wakeup(cv)
	release(&cv.lock)
}

// RWLock admits many readers or one writer.
type RWLock struct {
	lock    Spinlock
	readers int
	writer  int // pid of the writer, or 0
}

func NewRWLock(name string) *RWLock {
	rw := &RWLock{}
	initlock(&rw.lock, name)
	return rw
}

func (k *Kernel) ReadLock(p *Proc, rw *RWLock) error {
	acquire(&rw.lock)
	for rw.writer != 0 {
		if k.killed(p) {
			release(&rw.lock)
			return fmt.Errorf("rwlock %s: %w", rw.lock.name, EINTR)
		}
		k.Sleep(p, rw, &rw.lock)
	}
	rw.readers++
	release(&rw.lock)
	return nil
}

func (k *Kernel) ReadUnlock(rw *RWLock) error {
	acquire(&rw.lock)
	defer release(&rw.lock)
	if rw.readers == 0 {
		return fmt.Errorf("rwlock %s: read unlock without readers: %w", rw.lock.name, EPERM)
	}
	rw.readers--
	if rw.readers == 0 {
		k.Wakeup(rw)
	}
	return nil
}

func (k *Kernel) WriteLock(p *Proc, rw *RWLock) error {
	pid := p.Pid()
	acquire(&rw.lock)
	for rw.writer != 0 || rw.readers > 0 {
		if k.killed(p) {
			release(&rw.lock)
			return fmt.Errorf("rwlock %s: %w", rw.lock.name, EINTR)
		}
		k.Sleep(p, rw, &rw.lock)
	}
	rw.writer = pid
	release(&rw.lock)
	return nil
}

// WriteUnlock fails with EPERM unless p is the writer.
func (k *Kernel) WriteUnlock(p *Proc, rw *RWLock) error {
	pid := p.Pid()
	acquire(&rw.lock)
	defer release(&rw.lock)
	if rw.writer != pid {
		return fmt.Errorf("rwlock %s: write unlock by pid %d: %w", rw.lock.name, pid, EPERM)
	}
	rw.writer = 0
	k.Wakeup(rw)
	return nil
}

// Readers is the number of processes holding rw for reading.
func (rw *RWLock) Readers() int {
	acquire(&rw.lock)
	defer release(&rw.lock)
	return rw.readers
}
