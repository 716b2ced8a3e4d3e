package policy

import (
	"fmt"
	"math"
	"sort"

	"rtlab/kernel"
)

// Load is the timing of one periodic task.
type Load struct {
	Name   string
	Budget kernel.Tick
	Period kernel.Tick
}

// Report is the schedulability analysis of a task set.
type Report struct {
	Policy      string
	Utilization float64
	// Bound is the utilization bound of the policy: n(2^(1/n)-1) for RM,
	// 1 for EDF.
	Bound float64
	// Response holds worst-case response times under RM, in input order. A
	// value of 0 means the recurrence did not converge within the period.
	Response []kernel.Tick
	// Schedulable is the exact verdict: response-time analysis for RM,
	// U <= 1 for EDF.
	Schedulable bool
}

func (r Report) String() string {
	verdict := "schedulable"
	if !r.Schedulable {
		verdict = "NOT schedulable"
	}
	return fmt.Sprintf("%s: U=%.3f bound=%.3f %s", r.Policy, r.Utilization, r.Bound, verdict)
}

// Utilization is the sum of budget/period.
func Utilization(loads []Load) float64 {
	u := 0.0
	for _, l := range loads {
		if l.Period > 0 {
			u += float64(l.Budget) / float64(l.Period)
		}
	}
	return u
}

// RMBound is the Liu-Layland bound n(2^(1/n)-1).
func RMBound(n int) float64 {
	if n <= 0 {
		return 1
	}
	return float64(n) * (math.Pow(2, 1/float64(n)) - 1)
}

// ResponseTimes runs response-time analysis with rate-monotonic priorities
// and deadlines equal to periods. Tasks that miss get 0.
func ResponseTimes(loads []Load) []kernel.Tick {
	idx := make([]int, len(loads))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return loads[idx[a]].Period < loads[idx[b]].Period })

	out := make([]kernel.Tick, len(loads))
	for rank, i := range idx {
		me := loads[i]
		r := me.Budget
		for {
			next := me.Budget
			for _, j := range idx[:rank] {
				hp := loads[j]
				if hp.Period == 0 {
					continue
				}
				next += (r + hp.Period - 1) / hp.Period * hp.Budget
			}
			if next > me.Period {
				r = 0
				break
			}
			if next == r {
				break
			}
			r = next
		}
		out[i] = r
	}
	return out
}

// Analyze checks loads under p.
func Analyze(p Policy, loads []Load) Report {
	rep := Report{Policy: p.Name(), Utilization: Utilization(loads)}
	switch p.(type) {
	case EDF:
		rep.Bound = 1
		rep.Schedulable = rep.Utilization <= 1
	default:
		rep.Bound = RMBound(len(loads))
		rep.Response = ResponseTimes(loads)
		rep.Schedulable = true
		for i, r := range rep.Response {
			if r == 0 && loads[i].Budget > 0 {
				rep.Schedulable = false
			}
		}
	}
	return rep
}
