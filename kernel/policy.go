package kernel

import (
	"fmt"
	"strings"
)

// PolicyKind names a scheduling policy.
type PolicyKind int

const (
	RoundRobin PolicyKind = iota
	Priority
	MLFQ
)

var policyNames = [...]string{
	RoundRobin: "rr",
	Priority:   "priority",
	MLFQ:       "mlfq",
}

func (k PolicyKind) String() string {
	if k >= 0 && int(k) < len(policyNames) {
		return policyNames[k]
	}
	return fmt.Sprintf("policy(%d)", int(k))
}

// ParsePolicy accepts rr, priority or mlfq in any case.
func ParsePolicy(s string) (PolicyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rr", "round-robin", "roundrobin":
		return RoundRobin, nil
	case "priority", "prio":
		return Priority, nil
	case "mlfq":
		return MLFQ, nil
	}
	return -1, fmt.Errorf("scheduler %q: %w", s, EINVAL)
}

// A Policy picks the next process for an idle core. SelectNext returns
// a process that was RUNNABLE when it looked, or nil. It holds no lock
// on return and changes no process state; the scheduler re-checks the
// state under p.lock before running the pick.
type Policy interface {
	Kind() PolicyKind
	SelectNext() *Proc
}

// roundRobin runs the first RUNNABLE slot in table order.
type roundRobin struct{ k *Kernel }

func (roundRobin) Kind() PolicyKind { return RoundRobin }

func (rr roundRobin) SelectNext() *Proc {
	for i := range rr.k.proc {
		p := &rr.k.proc[i]
		acquire(&p.lock)
		if p.state == RUNNABLE {
			release(&p.lock)
			return p
		}
		release(&p.lock)
	}
	return nil
}

// priorityPolicy runs the RUNNABLE process with the highest priority.
// Ties go to the earlier table slot.
type priorityPolicy struct{ k *Kernel }

func (priorityPolicy) Kind() PolicyKind { return Priority }

func (pp priorityPolicy) SelectNext() *Proc {
	var best *Proc
	bestPriority := -1
	for i := range pp.k.proc {
		p := &pp.k.proc[i]
		acquire(&p.lock)
		if p.state == RUNNABLE && p.priority > bestPriority {
			best = p
			bestPriority = p.priority
		}
		release(&p.lock)
	}
	return best
}

// NMLFQ is the number of feedback queues. Level 0 is the most
// responsive and has the shortest quantum.
const NMLFQ = 5

func mlfqQuantum(level int) int { return 1 << level }

// Mlfq holds the RUNNABLE processes in per-level FIFO queues. The
// queues are kept under every policy so that switching to MLFQ finds
// them current. Lock order is p.lock, then Mlfq.lock.
type Mlfq struct {
	lock   Spinlock
	queues [NMLFQ][]*Proc
}

func newMlfq() *Mlfq {
	q := &Mlfq{}
	initlock(&q.lock, "mlfq")
	return q
}

func (*Mlfq) Kind() PolicyKind { return MLFQ }

// SelectNext returns the head of the highest non-empty level.
func (q *Mlfq) SelectNext() *Proc {
	acquire(&q.lock)
	defer release(&q.lock)
	for level := range q.queues {
		if len(q.queues[level]) > 0 {
			return q.queues[level][0]
		}
	}
	return nil
}

// push appends p at the tail of its level. Caller holds p.lock.
func (q *Mlfq) push(p *Proc) {
	level := p.mlfqLevel
	if level < 0 || level >= NMLFQ {
		kpanic("mlfq: pid %d at level %d", p.pid, level)
	}
	acquire(&q.lock)
	q.queues[level] = append(q.queues[level], p)
	release(&q.lock)
}

// remove takes p off whichever queue holds it. Caller holds p.lock.
func (q *Mlfq) remove(p *Proc) bool {
	acquire(&q.lock)
	defer release(&q.lock)
	for level := range q.queues {
		for i, qp := range q.queues[level] {
			if qp == p {
				q.queues[level] = append(q.queues[level][:i], q.queues[level][i+1:]...)
				return true
			}
		}
	}
	return false
}

// level reports the queue holding p, or -1.
func (q *Mlfq) level(p *Proc) int {
	acquire(&q.lock)
	defer release(&q.lock)
	for level := range q.queues {
		for _, qp := range q.queues[level] {
			if qp == p {
				return level
			}
		}
	}
	return -1
}

// Lengths reports how many processes wait at each level.
func (q *Mlfq) Lengths() [NMLFQ]int {
	var n [NMLFQ]int
	acquire(&q.lock)
	for level := range q.queues {
		n[level] = len(q.queues[level])
	}
	release(&q.lock)
	return n
}

// chargeTick accounts one tick of CPU to p and reports whether its
// quantum ran out, in which case p drops a level. Caller holds p.lock.
func (p *Proc) chargeTick() bool {
	p.timeUsed++
	if p.timeUsed < p.timeQuantum {
		return false
	}
	if p.mlfqLevel < NMLFQ-1 {
		p.mlfqLevel++
	}
	p.timeQuantum = mlfqQuantum(p.mlfqLevel)
	p.timeUsed = 0
	return true
}

// promote moves p one level up after it blocked. Caller holds p.lock.
func (p *Proc) promote() {
	if p.mlfqLevel == 0 {
		return
	}
	p.mlfqLevel--
	p.timeQuantum = mlfqQuantum(p.mlfqLevel)
	p.timeUsed = 0
}

// selector is the active policy, swappable while cores are running.
type selector struct {
	lock Spinlock
	cur  Policy
}

func (s *selector) get() Policy {
	acquire(&s.lock)
	p := s.cur
	release(&s.lock)
	return p
}

func (s *selector) set(p Policy) {
	acquire(&s.lock)
	s.cur = p
	release(&s.lock)
}

func (k *Kernel) policyFor(kind PolicyKind) (Policy, error) {
	switch kind {
	case RoundRobin:
		return roundRobin{k}, nil
	case Priority:
		return priorityPolicy{k}, nil
	case MLFQ:
		return k.mlfq, nil
	}
	return nil, fmt.Errorf("scheduler %d: %w", int(kind), EINVAL)
}

// SetScheduler switches every core to the given policy. Running
// processes finish their current slice first.
func (k *Kernel) SetScheduler(kind PolicyKind) error {
	pol, err := k.policyFor(kind)
	if err != nil {
		return err
	}
	k.policy.set(pol)
	k.plic.raise()
	schedLog.Infof("scheduler: %s", kind)
	return nil
}

// Scheduler reports the active policy.
func (k *Kernel) Scheduler() PolicyKind {
	return k.policy.get().Kind()
}
