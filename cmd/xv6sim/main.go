// Command xv6sim boots the simulated kernel and runs a demo workload as
// init: copy-on-write fork checks, a scheduler comparison, or both.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/op/go-logging"

	"xv6proc/kernel"
)

var log = logging.MustGetLogger("xv6sim")

func main() {
	configPath := flag.String("config", "", "JSON kernel config")
	scheduler := flag.String("scheduler", "", "rr, priority or mlfq (overrides config)")
	demo := flag.String("demo", "all", "cow, sched or all")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	flag.Parse()

	if err := run(*configPath, *scheduler, *demo, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "xv6sim: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, scheduler, demo string, timeout time.Duration) error {
	cfg, err := kernel.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if scheduler != "" {
		cfg.Scheduler = scheduler
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		defer f.Close()
		out = io.MultiWriter(os.Stdout, f)
	}
	if err := kernel.SetupLogging(out, cfg.LogLevel); err != nil {
		return err
	}

	var programs []kernel.Task
	switch demo {
	case "cow":
		programs = []kernel.Task{cowtest}
	case "sched":
		programs = []kernel.Task{schedtest}
	case "all":
		programs = []kernel.Task{cowtest, schedtest}
	default:
		return fmt.Errorf("unknown demo %q", demo)
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	console := kernel.NewConsole(os.Stdout)
	k.SetRoot(kernel.NewDir("/"))

	done := make(chan struct{})
	_, err = k.UserInit("init", 2*4096, func(p *kernel.Proc) {
		p.Open(console) // stdin
		p.Open(console) // stdout
		p.Open(console) // stderr
		for _, prog := range programs {
			prog(p)
		}
		close(done)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	k.Start(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		log.Warning("interrupted")
	case <-time.After(timeout):
		log.Errorf("workload did not finish within %v", timeout)
	}

	k.Procdump(os.Stdout)
	k.Shutdown()
	k.Stats().WriteTo(os.Stdout)
	if err := k.VerifyRefcounts(); err != nil {
		return fmt.Errorf("refcount check: %w", err)
	}
	return nil
}
