package kernel

import "fmt"

// Semaphore is a counting semaphore built on sleep and wakeup.
type Semaphore struct {
	lock  Spinlock
	value int
}

func NewSemaphore(name string, value int) *Semaphore {
	s := &Semaphore{value: value}
	initlock(&s.lock, name)
	return s
}

// SemWait takes one unit, sleeping while none are left. A killed
// process gives up with EINTR.
func (k *Kernel) SemWait(p *Proc, s *Semaphore) error {
	acquire(&s.lock)
	for s.value == 0 {
		if k.killed(p) {
			release(&s.lock)
			return fmt.Errorf("sem %s: %w", s.lock.name, EINTR)
		}
		k.Sleep(p, s, &s.lock)
	}
	s.value--
	release(&s.lock)
	return nil
}

func (k *Kernel) SemPost(s *Semaphore) {
	acquire(&s.lock)
	s.value++
	k.Wakeup(s)
	release(&s.lock)
}

func (s *Semaphore) Value() int {
	acquire(&s.lock)
	defer release(&s.lock)
	return s.value
}
