package kernel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testTimeout = 10 * time.Second

// bootTest starts a kernel and shuts it down when the test ends.
func bootTest(t *testing.T, mutate func(*Config)) *Kernel {
	t.Helper()
	k := newTestKernel(t, func(c *Config) {
		c.NCPU = 2
		c.NPROC = 16
		if mutate != nil {
			mutate(c)
		}
	})
	k.Start(context.Background())
	t.Cleanup(k.Shutdown)
	return k
}

// runInit runs task as init and waits for it to return.
func runInit(t *testing.T, k *Kernel, size uintptr, task Task) {
	t.Helper()
	done := make(chan struct{})
	_, err := k.UserInit("init", size, func(p *Proc) {
		task(p)
		close(done)
	})
	if err != nil {
		t.Fatalf("UserInit() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("init did not finish")
	}
}

func procByPid(k *Kernel, pid int) *Proc {
	for i := range k.proc {
		if k.proc[i].Pid() == pid {
			return &k.proc[i]
		}
	}
	return nil
}

// waitState polls until pid reaches state.
func waitState(p *Proc, k *Kernel, pid int, state procstate) bool {
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if c := procByPid(k, pid); c != nil && c.State() == state {
			return true
		}
		p.Pause(1)
	}
	return false
}

// quiesce stops the kernel and checks the frame and table invariants.
func quiesce(t *testing.T, k *Kernel) {
	t.Helper()
	k.Shutdown()
	if err := k.VerifyRefcounts(); err != nil {
		t.Errorf("VerifyRefcounts() = %v", err)
	}
	if err := k.VerifyTable(); err != nil {
		t.Errorf("VerifyTable() = %v", err)
	}
}

func TestForkCopyOnWrite(t *testing.T) {
	k := bootTest(t, nil)
	var childSaw byte
	var parentSaw byte
	runInit(t, k, PGSIZE, func(p *Proc) {
		p.Store(0, []byte{42})
		pid, err := p.Fork(func(c *Proc) {
			childSaw = c.Load(0, 1)[0]
			c.Store(0, []byte{100})
			c.Exit(0)
		})
		if err != nil || pid <= 1 {
			t.Errorf("Fork() = %d, %v", pid, err)
			return
		}
		if got, status, err := p.Wait(); got != pid || status != 0 || err != nil {
			t.Errorf("Wait() = %d, %d, %v, want %d, 0, nil", got, status, err, pid)
		}
		parentSaw = p.Load(0, 1)[0]
	})
	if childSaw != 42 {
		t.Errorf("child read %d, want 42", childSaw)
	}
	if parentSaw != 42 {
		t.Errorf("parent read %d after child write, want 42", parentSaw)
	}
	if s := k.Stats(); s.COWFaults == 0 {
		t.Errorf("no copy-on-write faults recorded")
	}
	quiesce(t, k)
}

func TestCOWIsolationBothWays(t *testing.T) {
	k := bootTest(t, nil)
	childTurn := NewSemaphore("child", 0)
	parentTurn := NewSemaphore("parent", 0)
	var childSaw, parentSaw byte

	runInit(t, k, 2*PGSIZE, func(p *Proc) {
		p.Store(PGSIZE+5, []byte{'x'})
		_, err := p.Fork(func(c *Proc) {
			c.SemWait(childTurn)
			childSaw = c.Load(PGSIZE+5, 1)[0]
			c.Store(PGSIZE+5, []byte{'c'})
			c.SemPost(parentTurn)
		})
		if err != nil {
			t.Errorf("Fork() error = %v", err)
			return
		}
		p.Store(PGSIZE+5, []byte{'p'})
		p.SemPost(childTurn)
		p.SemWait(parentTurn)
		parentSaw = p.Load(PGSIZE+5, 1)[0]
		p.Wait()
	})
	if childSaw != 'x' {
		t.Errorf("child read %q, want 'x'", childSaw)
	}
	if parentSaw != 'p' {
		t.Errorf("parent read %q, want 'p'", parentSaw)
	}
	quiesce(t, k)
}

func TestCOWLastSharerReusesFrame(t *testing.T) {
	k := bootTest(t, nil)
	var before, after Stats
	var sharedPA, finalPA uintptr
	var finalRef uint32
	var parentSaw byte

	runInit(t, k, PGSIZE, func(p *Proc) {
		p.Store(0, []byte{1})
		sharedPA, _ = k.kmem.walkaddr(p.pagetable, 0)
		for i := 0; i < 3; i++ {
			mark := byte('a' + i)
			if _, err := p.Fork(func(c *Proc) {
				c.Store(0, []byte{mark})
				if c.Load(0, 1)[0] != mark {
					c.Exit(1)
				}
			}); err != nil {
				t.Errorf("Fork() error = %v", err)
				return
			}
		}
		for i := 0; i < 3; i++ {
			if _, status, err := p.Wait(); status != 0 || err != nil {
				t.Errorf("Wait() = %d, %v", status, err)
			}
		}
		parentSaw = p.Load(0, 1)[0]
		before = k.Stats()
		p.Store(0, []byte{2})
		after = k.Stats()
		finalPA, _ = k.kmem.walkaddr(p.pagetable, 0)
		finalRef = k.kmem.RefCount(finalPA)
	})

	if parentSaw != 1 {
		t.Errorf("parent read %d after children wrote, want 1", parentSaw)
	}
	if finalPA != sharedPA {
		t.Errorf("parent moved to frame %#x, want reuse of %#x", finalPA, sharedPA)
	}
	if finalRef != 1 {
		t.Errorf("RefCount() = %d, want 1", finalRef)
	}
	if got := before.COWCopies; got != 3 {
		t.Errorf("children made %d copies, want 3", got)
	}
	if got := after.COWReuses - before.COWReuses; got != 1 {
		t.Errorf("parent store reused %d frames, want 1", got)
	}
	if after.Allocs != before.Allocs {
		t.Errorf("parent store allocated %d frames, want 0", after.Allocs-before.Allocs)
	}
	quiesce(t, k)
}

func TestEagerForkWithoutCOW(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.COW = false })
	var parentSaw byte
	runInit(t, k, PGSIZE, func(p *Proc) {
		p.Store(0, []byte{9})
		p.Fork(func(c *Proc) { c.Store(0, []byte{10}) })
		p.Wait()
		parentSaw = p.Load(0, 1)[0]
	})
	if parentSaw != 9 {
		t.Errorf("parent read %d, want 9", parentSaw)
	}
	if s := k.Stats(); s.COWFaults != 0 {
		t.Errorf("COWFaults = %d, want 0", s.COWFaults)
	}
	quiesce(t, k)
}

func TestOrphansGoToInit(t *testing.T) {
	k := bootTest(t, nil)
	release := NewSemaphore("release", 0)
	var grandchild, grandchildParent int
	var reaped, status int

	runInit(t, k, PGSIZE, func(p *Proc) {
		mid, err := p.Fork(func(c *Proc) {
			grandchild, _ = c.Fork(func(g *Proc) {
				g.SemWait(release)
				grandchildParent = g.ParentPid()
				g.Exit(3)
			})
			c.Exit(0)
		})
		if err != nil {
			t.Errorf("Fork() error = %v", err)
			return
		}
		if got, _, _ := p.Wait(); got != mid {
			t.Errorf("Wait() = %d, want middle child %d", got, mid)
		}
		p.SemPost(release)
		reaped, status, err = p.Wait()
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})
	if reaped != grandchild || status != 3 {
		t.Errorf("init reaped %d status %d, want %d status 3", reaped, status, grandchild)
	}
	if grandchildParent != 1 {
		t.Errorf("orphan's parent = %d, want init", grandchildParent)
	}
	quiesce(t, k)
}

func TestWaitWithoutChildren(t *testing.T) {
	k := bootTest(t, nil)
	var err error
	var errno Errno
	runInit(t, k, PGSIZE, func(p *Proc) {
		_, _, err = p.Wait()
		errno = p.Errno()
	})
	if !errors.Is(err, ECHILD) || errno != ECHILD {
		t.Errorf("Wait() error = %v errno %v, want ECHILD", err, errno)
	}
}

func TestWaitStoresStatus(t *testing.T) {
	k := bootTest(t, nil)
	var got []byte
	runInit(t, k, PGSIZE, func(p *Proc) {
		p.Fork(func(c *Proc) { c.Exit(-2) })
		if _, err := p.WaitAt(16); err != nil {
			t.Errorf("WaitAt() error = %v", err)
		}
		got = p.Load(16, 4)
	})
	if want := []byte{0xfe, 0xff, 0xff, 0xff}; string(got) != string(want) {
		t.Errorf("status bytes = %v, want %v", got, want)
	}
}

func TestKill(t *testing.T) {
	k := bootTest(t, nil)
	never := NewSemaphore("never", 0)
	var status int
	var waitErr, missingErr, initErr error

	runInit(t, k, PGSIZE, func(p *Proc) {
		pid, _ := p.Fork(func(c *Proc) {
			c.SemWait(never)
			c.Exit(0)
		})
		if !waitState(p, k, pid, SLEEPING) {
			t.Errorf("child never slept")
			return
		}
		if err := p.Kill(pid); err != nil {
			t.Errorf("Kill() error = %v", err)
		}
		_, status, waitErr = p.Wait()
		missingErr = p.Kill(pid)
		initErr = p.Kill(1)
	})
	if waitErr != nil || status != -1 {
		t.Errorf("Wait() = status %d, %v, want -1, nil", status, waitErr)
	}
	if !errors.Is(missingErr, ESRCH) {
		t.Errorf("Kill() of reaped pid error = %v, want ESRCH", missingErr)
	}
	if !errors.Is(initErr, EPERM) {
		t.Errorf("Kill(1) error = %v, want EPERM", initErr)
	}
}

func TestBadAccessKills(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{"store to unmapped page", func(c *Proc) { c.Store(8*PGSIZE, []byte{1}) }},
		{"load from unmapped page", func(c *Proc) { c.Load(8*PGSIZE, 1) }},
		{"store beyond MAXVA", func(c *Proc) { c.Store(MAXVA+PGSIZE, []byte{1}) }},
		{"store to trapframe", func(c *Proc) { c.Store(TRAPFRAME, []byte{1}) }},
		{"load negative length", func(c *Proc) { c.Load(0, -1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := bootTest(t, nil)
			var status int
			runInit(t, k, PGSIZE, func(p *Proc) {
				p.Fork(func(c *Proc) {
					tt.task(c)
					c.Exit(0)
				})
				_, status, _ = p.Wait()
			})
			if status != -1 {
				t.Errorf("exit status = %d, want -1", status)
			}
			quiesce(t, k)
		})
	}
}

func TestForkTableFull(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.NPROC = 4 })
	hold := NewSemaphore("hold", 0)
	var forkErr error
	var errno Errno
	var tableErr error

	runInit(t, k, PGSIZE, func(p *Proc) {
		for i := 0; i < 3; i++ {
			if _, err := p.Fork(func(c *Proc) { c.SemWait(hold) }); err != nil {
				t.Errorf("Fork() #%d error = %v", i, err)
			}
		}
		_, forkErr = p.Fork(func(c *Proc) {})
		errno = p.Errno()
		tableErr = k.VerifyTable()
		for i := 0; i < 3; i++ {
			p.SemPost(hold)
		}
		for i := 0; i < 3; i++ {
			p.Wait()
		}
	})
	if !errors.Is(forkErr, EAGAIN) || errno != EAGAIN {
		t.Errorf("Fork() error = %v errno %v, want EAGAIN", forkErr, errno)
	}
	if tableErr != nil {
		t.Errorf("VerifyTable() = %v", tableErr)
	}
	quiesce(t, k)
}

func TestForkOutOfMemory(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.PhysPages = 64 })
	var forkErr error
	var freeBefore, freeAfter int

	runInit(t, k, PGSIZE, func(p *Proc) {
		// leave fewer frames than a child needs
		if _, err := p.Sbrk((k.kmem.NumFree() - 4) * int(PGSIZE)); err != nil {
			t.Errorf("Sbrk() error = %v", err)
			return
		}
		freeBefore = k.kmem.NumFree()
		_, forkErr = p.Fork(func(c *Proc) {})
		freeAfter = k.kmem.NumFree()
	})
	if !errors.Is(forkErr, ENOMEM) {
		t.Errorf("Fork() error = %v, want ENOMEM", forkErr)
	}
	if freeAfter != freeBefore {
		t.Errorf("failed fork leaked %d frames", freeBefore-freeAfter)
	}
	quiesce(t, k)
}

func TestMLFQDemotionAndPromotion(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.Scheduler = "mlfq" })
	var levels []int
	runInit(t, k, PGSIZE, func(p *Proc) {
		for i := 0; i < 15; i++ {
			p.Tick()
		}
		levels = append(levels, p.Level())
		for i := 0; i < 20; i++ {
			p.Tick()
		}
		levels = append(levels, p.Level())
		p.Pause(1)
		levels = append(levels, p.Level())
	})
	want := []int{4, 4, 3}
	for i := range want {
		if i >= len(levels) || levels[i] != want[i] {
			t.Fatalf("levels = %v, want %v", levels, want)
		}
	}
}

func TestClockSharesOneCore(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.NCPU = 1 })
	var ran atomic.Bool
	var childRan bool
	runInit(t, k, PGSIZE, func(p *Proc) {
		if _, err := p.Fork(func(c *Proc) { ran.Store(true) }); err != nil {
			t.Errorf("Fork() error = %v", err)
			return
		}
		// compute without giving up the core
		deadline := time.Now().Add(testTimeout)
		for !ran.Load() && time.Now().Before(deadline) {
			p.Getpid()
		}
		childRan = ran.Load()
		p.Wait()
	})
	if !childRan {
		t.Errorf("child never ran while the parent computed")
	}
}

func TestClockDemotesCPUBound(t *testing.T) {
	k := bootTest(t, func(c *Config) {
		c.NCPU = 1
		c.Scheduler = "mlfq"
	})
	var level int
	runInit(t, k, PGSIZE, func(p *Proc) {
		deadline := time.Now().Add(testTimeout)
		for p.Level() < NMLFQ-1 && time.Now().Before(deadline) {
			p.Getpid()
		}
		level = p.Level()
	})
	if level != NMLFQ-1 {
		t.Errorf("Level() = %d after computing, want %d", level, NMLFQ-1)
	}
}

func TestAccounting(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.NCPU = 1 })
	var done atomic.Bool
	var run, wait, switches uint64

	runInit(t, k, PGSIZE, func(p *Proc) {
		p.Fork(func(c *Proc) {
			start := c.Uptime()
			for c.Uptime() < start+20 {
			}
			run, wait, switches = c.Accounting()
			done.Store(true)
		})
		deadline := time.Now().Add(testTimeout)
		for !done.Load() && time.Now().Before(deadline) {
			p.Getpid()
		}
		p.Wait()
	})
	if switches < 2 {
		t.Errorf("child scheduled %d times, want at least 2", switches)
	}
	if run == 0 || wait == 0 {
		t.Errorf("Accounting() = run %d, wait %d, want both > 0", run, wait)
	}
}

func TestForkYieldsToHigherPriorityChild(t *testing.T) {
	k := bootTest(t, func(c *Config) {
		c.NCPU = 1
		c.Scheduler = "priority"
	})
	var ran atomic.Bool
	var ranBeforeReturn bool
	runInit(t, k, PGSIZE, func(p *Proc) {
		p.SetPriority(0, 2)
		if _, err := p.Fork(func(c *Proc) { ran.Store(true) }); err != nil {
			t.Errorf("Fork() error = %v", err)
			return
		}
		ranBeforeReturn = ran.Load()
		p.Wait()
	})
	if !ranBeforeReturn {
		t.Errorf("child at priority %d did not run before Fork() returned to a parent at 2", PRIO_DEFAULT)
	}
}

func TestPriorityOrder(t *testing.T) {
	k := bootTest(t, func(c *Config) {
		c.NCPU = 1
		c.Scheduler = "priority"
	})
	start := NewSemaphore("start", 0)
	var mu sync.Mutex
	var order []int

	runInit(t, k, PGSIZE, func(p *Proc) {
		for _, prio := range []int{3, 6, 9} {
			prio := prio
			pid, err := p.Fork(func(c *Proc) {
				c.SemWait(start)
				for i := 0; i < 5; i++ {
					c.Tick()
				}
				mu.Lock()
				order = append(order, prio)
				mu.Unlock()
			})
			if err != nil {
				t.Errorf("Fork() error = %v", err)
				return
			}
			if err := p.SetPriority(pid, prio); err != nil {
				t.Errorf("SetPriority() error = %v", err)
			}
		}
		for i := 0; i < 3; i++ {
			p.SemPost(start)
		}
		for i := 0; i < 3; i++ {
			p.Wait()
		}
	})
	want := []int{9, 6, 3}
	if len(order) != len(want) {
		t.Fatalf("finish order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("finish order = %v, want %v", order, want)
		}
	}
}

func TestPriorityCalls(t *testing.T) {
	k := bootTest(t, nil)
	type result struct {
		name    string
		err     error
		wantErr error
	}
	var results []result
	var childPrio int

	runInit(t, k, PGSIZE, func(p *Proc) {
		hold := NewSemaphore("hold", 0)
		pid, _ := p.Fork(func(c *Proc) { c.SemWait(hold) })
		childPrio, _ = p.GetPriority(pid)

		_, errMissing := p.GetPriority(999)
		results = append(results,
			result{"set 10", p.SetPriority(pid, 10), EINVAL},
			result{"set -1", p.SetPriority(pid, -1), EINVAL},
			result{"set missing pid", p.SetPriority(999, 4), ESRCH},
			result{"get missing pid", errMissing, ESRCH},
			result{"set self", p.SetPriority(0, 8), nil},
		)
		if got := p.Priority(); got != 8 {
			t.Errorf("Priority() = %d, want 8", got)
		}
		p.SemPost(hold)
		p.Wait()
	})
	if childPrio != PRIO_DEFAULT {
		t.Errorf("child priority = %d, want %d", childPrio, PRIO_DEFAULT)
	}
	for _, r := range results {
		if r.wantErr == nil && r.err != nil || r.wantErr != nil && !errors.Is(r.err, r.wantErr) {
			t.Errorf("%s: error = %v, want %v", r.name, r.err, r.wantErr)
		}
	}
}

func TestFilesFollowFork(t *testing.T) {
	k := bootTest(t, nil)
	root := NewDir("/")
	k.SetRoot(root)
	console := NewConsole(&bytes.Buffer{})
	var inChild, afterWait, rootInChild int

	runInit(t, k, PGSIZE, func(p *Proc) {
		if fd, err := p.Open(console); fd != 0 || err != nil {
			t.Errorf("Open() = %d, %v", fd, err)
		}
		p.Fork(func(c *Proc) {
			inChild = console.Refs()
			rootInChild = root.Refs()
			c.Write(0, []byte("hi"))
		})
		p.Wait()
		afterWait = console.Refs()
	})
	if inChild != 2 || afterWait != 1 {
		t.Errorf("console refs = %d in child, %d after wait, want 2, 1", inChild, afterWait)
	}
	// the creator, init and the child
	if rootInChild != 3 {
		t.Errorf("root refs in child = %d, want 3", rootInChild)
	}
}

func TestPauseAndUptime(t *testing.T) {
	k := bootTest(t, nil)
	var t0, t1 uint64
	runInit(t, k, PGSIZE, func(p *Proc) {
		t0 = p.Uptime()
		p.Pause(3)
		t1 = p.Uptime()
	})
	if t1-t0 < 3 {
		t.Errorf("slept %d ticks, want at least 3", t1-t0)
	}
}

func TestSbrk(t *testing.T) {
	k := bootTest(t, nil)
	var old, grown uintptr
	var shrinkErr error
	runInit(t, k, PGSIZE, func(p *Proc) {
		old, _ = p.Sbrk(2 * int(PGSIZE))
		grown = p.Size()
		p.Store(grown-1, []byte{1})
		_, shrinkErr = p.Sbrk(-10 * int(PGSIZE))
		p.Sbrk(-2 * int(PGSIZE))
	})
	if old != PGSIZE || grown != 3*PGSIZE {
		t.Errorf("Sbrk() = %#x, size %#x, want %#x, %#x", old, grown, PGSIZE, 3*PGSIZE)
	}
	if !errors.Is(shrinkErr, EINVAL) {
		t.Errorf("Sbrk() below zero error = %v, want EINVAL", shrinkErr)
	}
	quiesce(t, k)
}

func TestInitCannotExit(t *testing.T) {
	k := newTestKernel(t, nil)
	p, err := k.UserInit("init", PGSIZE, func(*Proc) {})
	if err != nil {
		t.Fatal(err)
	}
	mustPanic(t, "init exit", func() { k.Exit(p, 0) })
	if _, err := k.UserInit("again", PGSIZE, func(*Proc) {}); !errors.Is(err, EPERM) {
		t.Errorf("second UserInit() error = %v, want EPERM", err)
	}
}
