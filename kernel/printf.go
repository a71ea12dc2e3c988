package kernel

import (
	"fmt"
	"io"
	"strings"

	"github.com/op/go-logging"
)

var (
	klog      = logging.MustGetLogger("kernel")
	kallocLog = logging.MustGetLogger("kalloc")
	vmLog     = logging.MustGetLogger("vm")
	procLog   = logging.MustGetLogger("proc")
	schedLog  = logging.MustGetLogger("sched")
	trapLog   = logging.MustGetLogger("trap")
)

const logFormat = `%{time:15:04:05.000} %{module:-6s} %{level:.4s} %{message}`

// SetupLogging routes every kernel logger to w at the given level
// (CRITICAL, ERROR, WARNING, NOTICE, INFO or DEBUG).
func SetupLogging(w io.Writer, level string) error {
	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

// kpanic reports a broken kernel invariant. It never returns.
func kpanic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	klog.Criticalf("panic: %s", msg)
	panic(msg)
}

var states = [...]string{
	UNUSED:   "unused",
	USED:     "used",
	SLEEPING: "sleep ",
	RUNNABLE: "runble",
	RUNNING:  "run   ",
	ZOMBIE:   "zombie",
}

func (s procstate) String() string {
	if s >= 0 && int(s) < len(states) {
		return strings.TrimSpace(states[s])
	}
	return "???"
}

// Procdump prints a process listing to w. Runs without the wait lock so
// it can be used on a wedged kernel; values may be slightly stale.
func (k *Kernel) Procdump(w io.Writer) {
	fmt.Fprintf(w, "\n")
	for i := range k.proc {
		p := &k.proc[i]
		acquire(&p.lock)
		if p.state == UNUSED {
			release(&p.lock)
			continue
		}
		state := "???"
		if p.state >= 0 && int(p.state) < len(states) {
			state = states[p.state]
		}
		fmt.Fprintf(w, "%d %s %s prio=%d level=%d run=%d wait=%d switches=%d\n",
			p.pid, state, p.name, p.priority, p.mlfqLevel, p.runTicks, p.waitTicks, p.switches)
		release(&p.lock)
	}
}
