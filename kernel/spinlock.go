package kernel

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a mutual exclusion lock that may be released by a different
// goroutine than the one that acquired it. The scheduler relies on this:
// it acquires p.lock and the process releases it after the switch.
type Spinlock struct {
	locked atomic.Uint32
	name   string
}

func initlock(lk *Spinlock, name string) {
	lk.name = name
	lk.locked.Store(0)
}

func acquire(lk *Spinlock) {
	for !lk.locked.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func release(lk *Spinlock) {
	if lk.locked.Swap(0) == 0 {
		kpanic("release %s", lk.name)
	}
}

// holding reports whether the lock is held by anyone.
func holding(lk *Spinlock) bool {
	return lk.locked.Load() == 1
}

// NewSpinlock returns a named lock for collaborators that sleep on
// kernel channels.
func NewSpinlock(name string) *Spinlock {
	lk := &Spinlock{}
	initlock(lk, name)
	return lk
}

func (lk *Spinlock) Lock()   { acquire(lk) }
func (lk *Spinlock) Unlock() { release(lk) }
