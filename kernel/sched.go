package kernel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Per-CPU state.
type cpu struct {
	id      int
	proc    *Proc   // The process running on this cpu, or nil.
	context Context // swtch() here to enter scheduler().
	intena  bool    // Were interrupts enabled before the switch?
	intr    bool    // interrupts currently enabled

	timer    atomic.Bool // clock tick not yet taken by the running process
	switches atomic.Uint64
	idle     atomic.Uint64
}

func (c *cpu) intrOn()  { c.intr = true }
func (c *cpu) intrOff() { c.intr = false }

// plic delivers an interrupt to every core idling in the scheduler.
// Each raise closes the current pending channel and installs a new one.
type plic struct {
	mu sync.Mutex
	ch chan struct{}
}

func (pl *plic) pending() <-chan struct{} {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.ch == nil {
		pl.ch = make(chan struct{})
	}
	return pl.ch
}

func (pl *plic) raise() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.ch != nil {
		close(pl.ch)
		pl.ch = nil
	}
}

// swtch saves the running thread in old and resumes the one parked in
// new. It returns when something switches back to old. A context torn
// down while parked ends its goroutine.
func swtch(old, new *Context) {
	wait := old.wake
	new.wake <- struct{}{}
	if _, ok := <-wait; !ok {
		runtime.Goexit()
	}
}

// Per-CPU process scheduler.
// Each CPU calls scheduler() after setting itself up.
// Scheduler never returns until ctx is done. It loops, doing:
//   - ask the current policy for a process to run.
//   - swtch to start running that process.
//   - eventually that process transfers control
//     via swtch back to the scheduler.
func (k *Kernel) scheduler(ctx context.Context, c *cpu) {
	defer k.wg.Done()
	c.proc = nil
	c.context = newContext()

	for {
		// The most recent process to run may have had interrupts
		// turned off; enable them so a wakeup raised from now on
		// reaches this core even while it looks for work.
		c.intrOn()
		irq := k.plic.pending()
		c.intrOff()

		select {
		case <-ctx.Done():
			schedLog.Debugf("cpu%d: halt", c.id)
			return
		default:
		}

		p := k.policy.get().SelectNext()
		if p == nil {
			// nothing to run; stop running on this core until an
			// interrupt.
			c.idle.Add(1)
			select {
			case <-irq:
			case <-ctx.Done():
				schedLog.Debugf("cpu%d: halt", c.id)
				return
			}
			continue
		}

		acquire(&p.lock)
		if p.state == RUNNABLE {
			// Switch to chosen process. It is the process's job
			// to release its lock and then reacquire it
			// before jumping back to us.
			p.state = RUNNING
			k.mlfq.remove(p)
			now := k.ticks.Load()
			p.waitTicks += now - p.readyAt
			p.runAt = now
			p.switches++
			c.proc = p
			p.cpu = c
			c.timer.Store(false)
			c.switches.Add(1)
			swtch(&c.context, &p.context)

			// Process is done running for now.
			// It should have changed its p.state before coming back.
			c.proc = nil
		}
		release(&p.lock)
	}
}

// Switch to scheduler. Must hold only p.lock
// and have changed p.state. Saves and restores
// intena because intena is a property of this
// kernel thread, not this CPU.
func (k *Kernel) sched(p *Proc) {
	c := p.cpu
	if !holding(&p.lock) {
		kpanic("sched p->lock")
	}
	if p.state == RUNNING {
		kpanic("sched running")
	}
	if c == nil || c.proc != p {
		kpanic("sched: pid %d is not on a cpu", p.pid)
	}
	if c.intr {
		kpanic("sched interruptible")
	}

	p.runTicks += k.ticks.Load() - p.runAt
	intena := c.intena
	swtch(&p.context, &c.context)
	p.cpu.intena = intena
}
