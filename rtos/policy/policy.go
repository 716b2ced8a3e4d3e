// Package policy holds the deadline-scheduling policies: Rate-Monotonic
// static priorities and Earliest-Deadline-First deadline recurrence.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"rtlab/kernel"
)

// Policy decides task priorities, ready-list ordering and how absolute
// deadlines advance from one period to the next.
type Policy interface {
	Name() string
	Ordering() kernel.Ordering
	// Assign returns one priority per period, in input order.
	Assign(periods []kernel.Tick, base kernel.Priority) ([]kernel.Priority, error)
	// NextDeadline returns the deadline of the job released at phaseStart.
	NextDeadline(prev, period, phaseStart kernel.Tick) kernel.Tick
}

var (
	ErrUnknown     = errors.New("policy: unknown policy")
	ErrOutOfLevels = errors.New("policy: not enough priority levels")
)

// Parse returns the policy named "rm" or "edf".
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "rm", "rate-monotonic":
		return RateMonotonic{}, nil
	case "edf":
		return EDF{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// RateMonotonic gives shorter periods more urgent static priorities.
type RateMonotonic struct{}

func (RateMonotonic) Name() string              { return "rm" }
func (RateMonotonic) Ordering() kernel.Ordering { return kernel.OrderPriority }

// Assign ranks periods ascending starting at base. Equal periods keep their
// input order.
func (RateMonotonic) Assign(periods []kernel.Tick, base kernel.Priority) ([]kernel.Priority, error) {
	if len(periods) == 0 {
		return nil, nil
	}
	if int(base)+len(periods)-1 > int(kernel.LowestPriority) {
		return nil, fmt.Errorf("%w: %d tasks from base %d", ErrOutOfLevels, len(periods), base)
	}
	idx := make([]int, len(periods))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return periods[idx[a]] < periods[idx[b]] })
	out := make([]kernel.Priority, len(periods))
	for rank, i := range idx {
		out[i] = base + kernel.Priority(rank)
	}
	return out, nil
}

// NextDeadline is the end of the period that starts at phaseStart.
func (RateMonotonic) NextDeadline(_, period, phaseStart kernel.Tick) kernel.Tick {
	return phaseStart + period
}

// EDF runs every task at one priority level and ranks by absolute deadline.
type EDF struct{}

func (EDF) Name() string              { return "edf" }
func (EDF) Ordering() kernel.Ordering { return kernel.OrderDeadline }

// Assign puts every task at base.
func (EDF) Assign(periods []kernel.Tick, base kernel.Priority) ([]kernel.Priority, error) {
	if base > kernel.LowestPriority {
		return nil, fmt.Errorf("%w: base %d", ErrOutOfLevels, base)
	}
	out := make([]kernel.Priority, len(periods))
	for i := range out {
		out[i] = base
	}
	return out, nil
}

// NextDeadline advances the previous deadline by one period. A late start
// never earns a later deadline; only when a resynchronized phase has moved
// past it does the deadline skip the same whole periods.
func (EDF) NextDeadline(prev, period, phaseStart kernel.Tick) kernel.Tick {
	d := prev + period
	for period > 0 && kernel.TickBefore(d, phaseStart+period) {
		d += period
	}
	return d
}

// InitialDeadline is the deadline of a task whose first job is released at
// release: the end of the period containing it.
func InitialDeadline(release, period kernel.Tick) kernel.Tick {
	if period == 0 {
		return release
	}
	return release/period*period + period
}
