package main

import (
	"encoding/binary"
	"fmt"

	"xv6proc/kernel"
)

const pgsize = 4096

// cowtest runs the copy-on-write fork checks as user programs.
func cowtest(p *kernel.Proc) {
	tests := []struct {
		name string
		fn   func(*kernel.Proc) error
	}{
		{"simple", simpletest},
		{"three", threetest},
		{"wait status", waitstatustest},
	}
	for _, tt := range tests {
		p.Printf("cowtest %s: ", tt.name)
		if err := tt.fn(p); err != nil {
			p.Printf("FAILED: %v\n", err)
			return
		}
		p.Printf("ok\n")
	}
	p.Printf("ALL COW TESTS PASSED\n")
}

// simpletest forks with a large address space; the child rewrites every
// page and the parent must still see its own values.
func simpletest(p *kernel.Proc) error {
	const npages = 256
	base, err := p.Sbrk(npages * pgsize)
	if err != nil {
		return err
	}
	defer p.Sbrk(-npages * pgsize)

	for i := uintptr(0); i < npages; i++ {
		p.Store(base+i*pgsize, []byte{byte(i)})
	}

	_, err = p.Fork(func(c *kernel.Proc) {
		for i := uintptr(0); i < npages; i++ {
			if c.Load(base+i*pgsize, 1)[0] != byte(i) {
				c.Exit(1)
			}
			c.Store(base+i*pgsize, []byte{0xff})
		}
		c.Exit(0)
	})
	if err != nil {
		return err
	}
	if _, status, err := p.Wait(); err != nil {
		return err
	} else if status != 0 {
		return fmt.Errorf("child saw wrong data, status %d", status)
	}

	for i := uintptr(0); i < npages; i++ {
		if got := p.Load(base+i*pgsize, 1)[0]; got != byte(i) {
			return fmt.Errorf("page %d: parent reads %#x after child write", i, got)
		}
	}
	return nil
}

// threetest runs three children over the same shared pages at once.
func threetest(p *kernel.Proc) error {
	const npages = 8
	base, err := p.Sbrk(npages * pgsize)
	if err != nil {
		return err
	}
	defer p.Sbrk(-npages * pgsize)

	for i := uintptr(0); i < npages; i++ {
		p.Store(base+i*pgsize, []byte{'p'})
	}
	for n := 0; n < 3; n++ {
		mark := byte('a' + n)
		_, err := p.Fork(func(c *kernel.Proc) {
			for i := uintptr(0); i < npages; i++ {
				c.Store(base+i*pgsize, []byte{mark})
				c.Getpid()
			}
			for i := uintptr(0); i < npages; i++ {
				if c.Load(base+i*pgsize, 1)[0] != mark {
					c.Exit(1)
				}
			}
			c.Exit(0)
		})
		if err != nil {
			return err
		}
	}
	for n := 0; n < 3; n++ {
		if _, status, err := p.Wait(); err != nil {
			return err
		} else if status != 0 {
			return fmt.Errorf("a child saw a sibling's write")
		}
	}
	for i := uintptr(0); i < npages; i++ {
		if got := p.Load(base+i*pgsize, 1)[0]; got != 'p' {
			return fmt.Errorf("page %d: parent reads %q", i, got)
		}
	}
	return nil
}

// waitstatustest has the kernel store a child's exit status into a
// page the parent shares with that child.
func waitstatustest(p *kernel.Proc) error {
	base, err := p.Sbrk(pgsize)
	if err != nil {
		return err
	}
	defer p.Sbrk(-pgsize)

	p.Store(base, []byte{0, 0, 0, 0})
	if _, err := p.Fork(func(c *kernel.Proc) { c.Exit(7) }); err != nil {
		return err
	}
	if _, err := p.WaitAt(base); err != nil {
		return err
	}
	if got := binary.LittleEndian.Uint32(p.Load(base, 4)); got != 7 {
		return fmt.Errorf("status %d, want 7", got)
	}
	return nil
}

// schedtest runs three CPU-bound children at priorities 3, 6 and 9
// under each policy and reports the order they finished in.
func schedtest(p *kernel.Proc) {
	for _, kind := range []kernel.PolicyKind{kernel.RoundRobin, kernel.Priority, kernel.MLFQ} {
		if err := p.SetScheduler(kind); err != nil {
			p.Printf("schedtest: %v\n", err)
			return
		}
		order := runWorkers(p, []int{3, 6, 9})
		p.Printf("schedtest %s: finish order by priority %v\n", kind, order)
	}
	p.SetScheduler(kernel.RoundRobin)
}

func runWorkers(p *kernel.Proc, priorities []int) []int {
	var order []int
	mu := kernel.NewMutex("order")
	start := kernel.NewSemaphore("start", 0)
	for _, prio := range priorities {
		prio := prio
		pid, err := p.Fork(func(c *kernel.Proc) {
			c.SemWait(start)
			// compute for 20 ticks; the clock preempts
			for t0 := c.Uptime(); c.Uptime() < t0+20; {
			}
			c.MutexLock(mu)
			order = append(order, prio)
			c.MutexUnlock(mu)
		})
		if err != nil {
			p.Printf("schedtest: fork: %v\n", err)
			continue
		}
		p.SetPriority(pid, prio)
	}
	for range priorities {
		p.SemPost(start)
	}
	for range priorities {
		p.Wait()
	}
	return order
}
