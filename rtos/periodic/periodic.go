// Package periodic runs a task as a fixed-budget job released once per
// period, with deadline tracking and drift-free phase bookkeeping.
package periodic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"rtlab/kernel"
	"rtlab/rtos/pcp"
	"rtlab/rtos/proto"
)

// State is the executor state.
type State uint32

const (
	StateInit State = iota
	StateComputing
	StateIdleWait
	StateDeadlineMissed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateComputing:
		return "computing"
	case StateIdleWait:
		return "idle-wait"
	case StateDeadlineMissed:
		return "deadline-missed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

func allowedTransition(from, to State) bool {
	switch from {
	case StateInit:
		return to == StateComputing
	case StateComputing:
		return to == StateIdleWait || to == StateDeadlineMissed
	case StateIdleWait, StateDeadlineMissed:
		return to == StateComputing
	default:
		return false
	}
}

// Section is a critical section inside each job: the mutex is taken once
// After compute units have been consumed and released once Until units have
// been consumed (0 keeps it to the end of the job).
type Section struct {
	Mutex   *pcp.Mutex
	After   kernel.Tick
	Until   kernel.Tick
	Timeout kernel.Tick
}

// Spec is the static timing of a periodic task.
type Spec struct {
	Name   string
	Budget kernel.Tick
	Period kernel.Tick
	// Offset delays the first release, relative to the task's first dispatch.
	Offset   kernel.Tick
	Sections []Section
}

var (
	ErrPeriod  = errors.New("periodic: period must be positive")
	ErrSection = errors.New("periodic: invalid section")
)

// Validate checks the timing and the sections.
func (s Spec) Validate() error {
	if s.Period == 0 {
		return fmt.Errorf("task %q: %w", s.Name, ErrPeriod)
	}
	for i, sec := range s.Sections {
		if sec.Mutex == nil {
			return fmt.Errorf("task %q section %d: %w: nil mutex", s.Name, i, ErrSection)
		}
		if sec.After >= s.Budget && s.Budget > 0 {
			return fmt.Errorf("task %q section %d: %w: after %d >= budget %d", s.Name, i, ErrSection, sec.After, s.Budget)
		}
		if sec.Until != 0 && sec.Until <= sec.After {
			return fmt.Errorf("task %q section %d: %w: until %d <= after %d", s.Name, i, ErrSection, sec.Until, sec.After)
		}
	}
	return nil
}

// DeadlineRule advances a task's absolute deadline. policy.Policy satisfies it.
type DeadlineRule interface {
	NextDeadline(prev, period, phaseStart kernel.Tick) kernel.Tick
}

// Recorder receives start, complete and miss records.
type Recorder interface {
	Append(line string) bool
}

// Drainer is the diagnostic log flushed once per period.
type Drainer interface {
	DrainAll(emit func(line string)) int
}

// Options wires an executor to its surroundings. Every field is optional.
type Options struct {
	Rule  DeadlineRule
	Log   Recorder
	Drain Drainer
	Emit  func(line string)
	// Workload runs one compute unit. The default burns one kernel tick.
	Workload func()
	OnMiss   func(Miss)
}

// Miss describes one deadline miss.
type Miss struct {
	Task       string
	Tick       kernel.Tick
	PhaseStart kernel.Tick
	Remaining  kernel.Tick
	// Resync is the period boundary the task restarts from.
	Resync kernel.Tick
}

// Descriptor is the per-task timing record.
type Descriptor struct {
	Budget     kernel.Tick
	Period     kernel.Tick
	PhaseStart kernel.Tick
	Deadline   kernel.Tick
	Remaining  kernel.Tick
}

// Stats are the executor counters.
type Stats struct {
	Activations  uint64
	Completions  uint64
	Misses       uint64
	LockTimeouts uint64

	// CeilingWarnings counts sections taken by a task more urgent than the
	// mutex ceiling.
	CeilingWarnings uint64
}

// Executor drives one periodic task. Run is the kernel task entry.
type Executor struct {
	k    kernel.Adapter
	spec Spec
	opts Options

	desc  Descriptor
	state atomic.Uint32

	activations  atomic.Uint64
	completions  atomic.Uint64
	misses       atomic.Uint64
	lockTimeouts atomic.Uint64
	ceilingWarns atomic.Uint64

	taken []bool
	held  []int
}

// New validates spec and returns an executor for it.
func New(k kernel.Adapter, spec Spec, opts Options) (*Executor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		k:     k,
		spec:  spec,
		opts:  opts,
		taken: make([]bool, len(spec.Sections)),
	}
	e.desc.Budget = spec.Budget
	e.desc.Period = spec.Period
	if e.opts.Workload == nil {
		e.opts.Workload = k.Burn
	}
	return e, nil
}

// Name returns the task name.
func (e *Executor) Name() string { return e.spec.Name }

// Spec returns the task timing.
func (e *Executor) Spec() Spec { return e.spec }

// State returns the current state.
func (e *Executor) State() State { return State(e.state.Load()) }

// Stats returns the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Activations:  e.activations.Load(),
		Completions:  e.completions.Load(),
		Misses:       e.misses.Load(),
		LockTimeouts: e.lockTimeouts.Load(),

		CeilingWarnings: e.ceilingWarns.Load(),
	}
}

// Descriptor returns the timing record. Read it from the task itself or
// after the kernel halted.
func (e *Executor) Descriptor() Descriptor { return e.desc }

// Run executes the periodic loop on t. It never returns; the kernel ends the
// task when it halts.
func (e *Executor) Run(*kernel.Task) {
	e.anchor()
	for {
		e.compute()
		e.finish()
	}
}

func (e *Executor) transition(to State) {
	from := State(e.state.Load())
	if !allowedTransition(from, to) {
		panic(fmt.Sprintf("periodic: task %q: invalid transition %s -> %s", e.spec.Name, from, to))
	}
	e.state.Store(uint32(to))
}

// anchor aligns the first release to a period boundary, so independently
// started tasks with the same period share phases.
func (e *Executor) anchor() {
	if e.spec.Offset > 0 {
		if err := e.k.DelayFor(e.spec.Offset); err != nil {
			panic(fmt.Sprintf("periodic: task %q: delay for %d: %v", e.spec.Name, e.spec.Offset, err))
		}
	}
	now := e.k.Now()
	e.desc.PhaseStart = now / e.desc.Period * e.desc.Period
	e.desc.Deadline = e.desc.PhaseStart + e.desc.Period
	e.k.SetCurrentDeadline(e.desc.Deadline)
	e.release(StateComputing)
}

func (e *Executor) release(to State) {
	e.desc.Remaining = e.desc.Budget
	for i := range e.taken {
		e.taken[i] = false
	}
	e.transition(to)
	e.activations.Add(1)
	e.record(proto.FormatStart(uint64(e.desc.PhaseStart), e.spec.Name))
}

func (e *Executor) compute() {
	for e.desc.Remaining > 0 && e.k.Now()-e.desc.PhaseStart < e.desc.Period {
		e.sections(e.desc.Budget - e.desc.Remaining)
		e.opts.Workload()
		e.desc.Remaining--
	}
	e.releaseHeld()
}

func (e *Executor) sections(used kernel.Tick) {
	for i := len(e.held) - 1; i >= 0; i-- {
		sec := e.spec.Sections[e.held[i]]
		if sec.Until != 0 && used >= sec.Until {
			_ = sec.Mutex.Release()
			e.held = append(e.held[:i], e.held[i+1:]...)
		}
	}
	for i, sec := range e.spec.Sections {
		if e.taken[i] || used < sec.After {
			continue
		}
		e.taken[i] = true
		err := sec.Mutex.Acquire(sec.Timeout)
		if errors.Is(err, pcp.ErrCeilingViolation) {
			e.ceilingWarns.Add(1)
		}
		if pcp.Held(err) {
			e.held = append(e.held, i)
			continue
		}
		if errors.Is(err, pcp.ErrTimeout) {
			e.lockTimeouts.Add(1)
		}
	}
}

func (e *Executor) releaseHeld() {
	for i := len(e.held) - 1; i >= 0; i-- {
		_ = e.spec.Sections[e.held[i]].Mutex.Release()
	}
	e.held = e.held[:0]
}

// finish closes the current job and sleeps until the next release. A job
// that ends with no slack left missed its deadline, even with its budget
// spent.
func (e *Executor) finish() {
	now := e.k.Now()
	next := StateIdleWait
	slack := int64(e.desc.Period) - int64(now-e.desc.PhaseStart)
	if slack > 0 {
		e.completions.Add(1)
		e.record(proto.FormatComplete(uint64(now), e.spec.Name))
		e.desc.PhaseStart += e.desc.Period
	} else {
		next = StateDeadlineMissed
		e.misses.Add(1)
		e.record(proto.FormatMiss(uint64(now), e.spec.Name))
		resync := (now + e.desc.Period - 1) / e.desc.Period * e.desc.Period
		if e.opts.OnMiss != nil {
			e.opts.OnMiss(Miss{
				Task:       e.spec.Name,
				Tick:       now,
				PhaseStart: e.desc.PhaseStart,
				Remaining:  e.desc.Remaining,
				Resync:     resync,
			})
		}
		e.desc.PhaseStart = resync
	}
	e.desc.Deadline = e.nextDeadline()
	e.k.SetCurrentDeadline(e.desc.Deadline)
	e.transition(next)

	if e.opts.Drain != nil && e.opts.Emit != nil {
		e.opts.Drain.DrainAll(e.opts.Emit)
	}
	if err := e.k.DelayUntil(e.desc.PhaseStart); err != nil {
		panic(fmt.Sprintf("periodic: task %q: delay until %d: %v", e.spec.Name, e.desc.PhaseStart, err))
	}
	e.release(StateComputing)
}

func (e *Executor) nextDeadline() kernel.Tick {
	if e.opts.Rule == nil {
		return e.desc.PhaseStart + e.desc.Period
	}
	return e.opts.Rule.NextDeadline(e.desc.Deadline, e.desc.Period, e.desc.PhaseStart)
}

func (e *Executor) record(line string) {
	if e.opts.Log != nil {
		e.opts.Log.Append(line)
	}
}
