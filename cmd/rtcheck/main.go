// Command rtcheck analyzes task sets, simulates them on the virtual clock
// and verifies recorded diagnostic logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"rtlab/kernel"
	"rtlab/rtos/policy"
	"rtlab/rtos/taskset"
	"rtlab/rtos/tasks/lab"
)

func main() {
	var (
		mode    = flag.String("mode", "analyze", "analyze|simulate|verify.")
		set     = flag.String("taskset", "rm-set1", "Built-in task set name or YAML file.")
		pol     = flag.String("policy", "", "Override the scheduling policy (rm or edf).")
		horizon = flag.Uint64("horizon", 0, "Simulation length in ticks (0 = the set's horizon).")
		trace   = flag.Bool("trace", false, "Include context switches in the simulation log.")
		drain   = flag.Bool("drain", false, "Drain the log from the periodic tasks.")
		inPath  = flag.String("in", "", "Log file to verify (- for stdin).")
	)
	flag.Parse()

	switch strings.ToLower(*mode) {
	case "analyze":
		f := mustSet(*set)
		if err := analyze(os.Stdout, f, *pol); err != nil {
			fatalf("analyze: %v", err)
		}
	case "simulate":
		f := mustSet(*set)
		opts := lab.Options{Policy: *pol, TraceSwitches: *trace, DrainByTasks: *drain}
		if err := simulate(os.Stdout, f, opts, kernel.Tick(*horizon)); err != nil {
			fatalf("simulate: %v", err)
		}
	case "verify":
		if *inPath == "" {
			fatalf("usage: rtcheck -mode verify -in run.log")
		}
		var in io.Reader = os.Stdin
		if *inPath != "-" {
			f, err := os.Open(*inPath)
			if err != nil {
				fatalf("verify: %v", err)
			}
			defer f.Close()
			in = f
		}
		rep, err := verify(in)
		if err != nil {
			fatalf("verify: %v", err)
		}
		rep.write(os.Stdout)
		if len(rep.Violations) > 0 {
			os.Exit(1)
		}
	default:
		fatalf("unknown mode: %s", *mode)
	}
}

func mustSet(ref string) *taskset.File {
	f, err := taskset.Resolve(ref)
	if err != nil {
		fatalf("taskset: %v", err)
	}
	return f
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

// analyze prints the utilization test and, under RM, the response times.
func analyze(w io.Writer, set *taskset.File, override string) error {
	name := set.Policy
	if override != "" {
		name = override
	}
	p, err := policy.Parse(name)
	if err != nil {
		return err
	}
	loads := set.Loads()
	rep := policy.Analyze(p, loads)
	fmt.Fprintf(w, "%s (%d tasks)\n", set.Name, len(loads))
	for i, l := range loads {
		line := fmt.Sprintf("  %-6s C=%-3d P=%-4d u=%.3f", l.Name, l.Budget, l.Period, float64(l.Budget)/float64(l.Period))
		if i < len(rep.Response) {
			if r := rep.Response[i]; r == 0 {
				line += " R=unbounded"
			} else {
				line += fmt.Sprintf(" R=%d", r)
			}
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, rep.String())
	return nil
}

type writer struct{ w io.Writer }

func (l writer) WriteLineString(s string) { fmt.Fprintln(l.w, s) }
func (l writer) WriteLineBytes(b []byte)  { fmt.Fprintln(l.w, string(b)) }

// simulate runs the set unpaced and prints the drained log and a summary.
func simulate(w io.Writer, set *taskset.File, opts lab.Options, horizon kernel.Tick) error {
	opts.Logger = writer{w}
	s, err := lab.Build(set, opts)
	if err != nil {
		return err
	}
	for _, warn := range s.Warnings {
		fmt.Fprintln(w, "warning: "+warn)
	}
	if horizon == 0 && s.Set.Horizon == 0 {
		return fmt.Errorf("taskset %q runs forever; set -horizon", set.Name)
	}
	if err := s.Run(context.Background(), horizon); err != nil {
		return err
	}
	for _, l := range s.Summary() {
		fmt.Fprintln(w, l)
	}
	return nil
}
