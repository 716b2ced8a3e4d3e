package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"rtlab/app"
	"rtlab/hal"
	"rtlab/internal/buildinfo"
	"rtlab/kernel"
	"rtlab/rtos/taskset"
)

func main() {
	var (
		hcfg    hal.HeadlessConfig
		acfg    app.Config
		horizon uint64
		list    bool
		version bool
	)
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Frame rate in headless mode.")
	flag.Uint64Var(&hcfg.Frames, "ticks", 0, "Stop after N frames in headless mode (0 = run until the set's horizon).")
	flag.IntVar(&hcfg.Host.TickHz, "tick-hz", hal.DefaultTickHz, "Kernel ticks per second.")
	flag.StringVar(&acfg.TaskSet, "taskset", app.DefaultTaskSet, "Built-in task set name or YAML file.")
	flag.StringVar(&acfg.Policy, "policy", "", "Override the scheduling policy (rm or edf).")
	flag.Uint64Var(&horizon, "horizon", 0, "Run length in ticks (0 = the set's horizon).")
	flag.BoolVar(&acfg.DrainByTasks, "drain", false, "Drain the log from the periodic tasks instead of the logger task.")
	flag.BoolVar(&acfg.Trace, "trace", false, "Log context switches.")
	flag.BoolVar(&list, "list", false, "List the built-in task sets and exit.")
	flag.BoolVar(&version, "version", false, "Print the build version and exit.")
	flag.Parse()

	switch {
	case version:
		fmt.Println(buildinfo.String())
		return
	case list:
		for _, name := range taskset.Names() {
			set, err := taskset.Builtin(name)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("%-10s %s\n", name, set.Description)
		}
		return
	}

	acfg.Horizon = kernel.Tick(horizon)
	if err := acfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if hcfg.Enabled {
		acfg.ExitOnDone = true
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := hal.RunHeadless(ctx, func(h hal.HAL) func() error {
			return app.New(h, acfg)
		}, hcfg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := hal.RunWindow(func(h hal.HAL) func() error {
		return app.New(h, acfg)
	}, hal.WindowConfig{Host: hcfg.Host}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
