// Package lab builds a running scheduling lab from a task set: one kernel,
// one diagnostic log, the set's ceiling mutexes and one periodic executor
// per task.
package lab

import (
	"context"
	"fmt"

	"rtlab/hal"
	"rtlab/kernel"
	"rtlab/rtos/diaglog"
	"rtlab/rtos/pcp"
	"rtlab/rtos/periodic"
	"rtlab/rtos/policy"
	"rtlab/rtos/proto"
	"rtlab/rtos/services/logger"
	"rtlab/rtos/taskset"
)

// Options tune how a set runs.
type Options struct {
	// Logger receives the drained diagnostic log. Nil discards it.
	Logger hal.Logger
	// Policy overrides the set's policy when not empty.
	Policy string
	// DrainByTasks drains the log at the end of every period from the
	// periodic tasks themselves instead of from the logger task.
	DrainByTasks bool
	// DrainInterval is the logger task period in ticks.
	DrainInterval kernel.Tick
	// TraceSwitches records every context switch between tasks.
	TraceSwitches bool
	// Ticks paces the kernel from a wall-clock timebase. Nil runs as fast
	// as possible.
	Ticks <-chan uint64
	// Workload replaces the per-unit compute of every task.
	Workload func(k *kernel.Kernel)
}

// System is a built lab, ready to Run.
type System struct {
	Set      *taskset.File
	Policy   policy.Policy
	Kernel   *kernel.Kernel
	Log      *diaglog.Buffer
	Mutexes  map[string]*pcp.Mutex
	Tasks    []*periodic.Executor
	Logger   *logger.Service
	Warnings []string

	out hal.Logger
}

// Build creates the kernel and every task of set. Nothing runs until Run.
func Build(set *taskset.File, opts Options) (*System, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	name := set.Policy
	if opts.Policy != "" {
		name = opts.Policy
	}
	pol, err := policy.Parse(name)
	if err != nil {
		return nil, err
	}

	k, err := kernel.New(kernel.Config{Ordering: pol.Ordering(), Ticks: opts.Ticks})
	if err != nil {
		return nil, err
	}
	s := &System{
		Set:     set,
		Policy:  pol,
		Kernel:  k,
		Log:     diaglog.New(set.LogCapacity, diaglog.DefaultWidth),
		Mutexes: make(map[string]*pcp.Mutex, len(set.Resources)),
		out:     opts.Logger,
	}

	table := pcp.NewTable(k, s.Log)
	for _, r := range set.Resources {
		m, err := table.Create(r.Ceiling)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", r.Name, err)
		}
		s.Mutexes[r.Name] = m
	}

	prios, err := s.priorities()
	if err != nil {
		return nil, err
	}

	for i, t := range set.Tasks {
		spec := periodic.Spec{Name: t.Name, Budget: t.Budget, Period: t.Period, Offset: t.Offset}
		for _, sec := range t.Sections {
			m := s.Mutexes[sec.Resource]
			if m.Ceiling() > prios[i] {
				s.warnf("%s runs at priority %d, above the ceiling %d of %s", t.Name, prios[i], m.Ceiling(), sec.Resource)
			}
			spec.Sections = append(spec.Sections, periodic.Section{
				Mutex:   m,
				After:   sec.After,
				Until:   sec.Until,
				Timeout: sec.Timeout,
			})
		}
		eo := periodic.Options{Rule: pol, Log: s.Log}
		if opts.DrainByTasks {
			eo.Drain = s.Log
			eo.Emit = s.write
		}
		if opts.Workload != nil {
			eo.Workload = func() { opts.Workload(k) }
		}
		e, err := periodic.New(k, spec, eo)
		if err != nil {
			return nil, err
		}
		task, err := k.CreateTask(t.Name, prios[i], e.Run)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.Name, err)
		}
		k.SetDeadline(task, policy.InitialDeadline(t.Offset, t.Period))
		s.Tasks = append(s.Tasks, e)
	}

	if !opts.DrainByTasks {
		s.Logger = logger.New(k, s.Log, opts.Logger, opts.DrainInterval)
		if _, err := k.CreateTask("logger", kernel.LowestPriority, s.Logger.Run); err != nil {
			return nil, fmt.Errorf("logger task: %w", err)
		}
	}

	if opts.TraceSwitches {
		k.AddListener(s.trace)
	}
	return s, nil
}

func (s *System) priorities() ([]kernel.Priority, error) {
	periods := make([]kernel.Tick, len(s.Set.Tasks))
	for i, t := range s.Set.Tasks {
		periods[i] = t.Period
	}
	prios, err := s.Policy.Assign(periods, s.Set.BasePriority)
	if err != nil {
		return nil, fmt.Errorf("taskset %q: %w", s.Set.Name, err)
	}
	for i, t := range s.Set.Tasks {
		if t.Priority != nil {
			prios[i] = *t.Priority
		}
	}
	return prios, nil
}

func (s *System) trace(sw kernel.Switch) {
	if sw.From == nil || sw.To == nil {
		return
	}
	s.Log.Append(proto.FormatSwitch(uint64(sw.Tick), sw.Reason.String(), sw.From.Name(), sw.To.Name()))
}

func (s *System) warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func (s *System) write(line string) {
	if s.out != nil {
		s.out.WriteLineString(line)
	}
}

// Run schedules the set until horizon (0 uses the set's horizon) and
// flushes whatever the log still holds once the kernel halted.
func (s *System) Run(ctx context.Context, horizon kernel.Tick) error {
	if horizon == 0 {
		horizon = s.Set.Horizon
	}
	err := s.Kernel.Run(ctx, horizon)
	s.Log.DrainAll(s.write)
	return err
}

// Stats returns per-task counters keyed by task name.
func (s *System) Stats() map[string]periodic.Stats {
	out := make(map[string]periodic.Stats, len(s.Tasks))
	for _, e := range s.Tasks {
		out[e.Name()] = e.Stats()
	}
	return out
}

// Summary renders one line per task plus the log drop count.
func (s *System) Summary() []string {
	var out []string
	for _, e := range s.Tasks {
		st := e.Stats()
		sp := e.Spec()
		out = append(out, fmt.Sprintf("%s C=%d P=%d activations=%d completions=%d misses=%d lock-timeouts=%d ceiling-warnings=%d",
			e.Name(), sp.Budget, sp.Period, st.Activations, st.Completions, st.Misses, st.LockTimeouts, st.CeilingWarnings))
	}
	out = append(out, fmt.Sprintf("ticks=%d switches=%d log-dropped=%d", s.Kernel.Now(), s.Kernel.Switches(), s.Log.Dropped()))
	return out
}
