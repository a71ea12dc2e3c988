package kernel

import (
	"context"
	"time"
)

// handle an interrupt, exception, or system call from user space
// taken by p. va is the faulting address for page faults.
func (k *Kernel) usertrap(p *Proc, cause scause, va uintptr) {
	switch cause {
	case causeStorePageFault:
		if err := k.kmem.ResolveCOWFault(p.pagetable, va); err != nil {
			trapLog.Warningf("usertrap(): store fault pid=%d va=%#x: %v", p.Pid(), va, err)
			k.setkilled(p)
		}
	case causeLoadPageFault:
		trapLog.Warningf("usertrap(): load fault pid=%d va=%#x", p.Pid(), va)
		k.setkilled(p)
	case causeTimer:
		k.TimerInterrupt(p)
	default:
		trapLog.Warningf("usertrap(): unexpected scause %#x pid=%d", uint64(cause), p.Pid())
		k.setkilled(p)
	}

	k.usertrapret(p)
}

// return to user space. A killed process exits here instead, and a
// timer interrupt that arrived since p was scheduled is taken first.
func (k *Kernel) usertrapret(p *Proc) {
	if k.killed(p) {
		k.Exit(p, -1)
	}
	if c := p.cpu; c != nil && c.timer.CompareAndSwap(true, false) {
		k.TimerInterrupt(p)
		if k.killed(p) {
			k.Exit(p, -1)
		}
	}
}

// TimerInterrupt is a timer tick taken while p runs. Under MLFQ p is
// charged the tick and gives up the CPU only when its quantum is spent;
// other policies preempt on every tick.
func (k *Kernel) TimerInterrupt(p *Proc) {
	mlfq := k.Scheduler() == MLFQ
	acquire(&p.lock)
	if mlfq && !p.chargeTick() {
		release(&p.lock)
		return
	}
	k.makeRunnable(p)
	k.sched(p)
	release(&p.lock)
}

// clockintr advances time, wakes Pause sleepers, and posts a timer
// interrupt to every core. A busy core takes it the next time its
// process passes usertrapret.
func (k *Kernel) clockintr() {
	acquire(&k.ticksLock)
	k.ticks.Add(1)
	k.Wakeup(&k.ticks)
	release(&k.ticksLock)

	for _, c := range k.cpus {
		c.timer.Store(true)
	}
	k.plic.raise()
}

// clock drives ticks until ctx is done.
func (k *Kernel) clock(ctx context.Context) {
	defer k.wg.Done()
	t := time.NewTicker(k.cfg.tick())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.clockintr()
		}
	}
}

// Uptime is the number of clock ticks since Start.
func (k *Kernel) Uptime() uint64 {
	return k.ticks.Load()
}

// Pause sleeps p for n clock ticks.
func (k *Kernel) Pause(p *Proc, n int) error {
	if n < 0 {
		n = 0
	}
	acquire(&k.ticksLock)
	ticks0 := k.ticks.Load()
	for k.ticks.Load()-ticks0 < uint64(n) {
		if k.killed(p) {
			release(&k.ticksLock)
			return EINTR
		}
		k.Sleep(p, &k.ticks, &k.ticksLock)
	}
	release(&k.ticksLock)
	return nil
}
