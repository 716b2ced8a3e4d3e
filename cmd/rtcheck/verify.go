package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"rtlab/rtos/proto"
)

type taskCounts struct {
	Starts, Completions, Misses int
}

type report struct {
	Lines      int
	Records    int
	Skipped    int
	Tasks      map[string]*taskCounts
	Violations []string
}

// verify checks a diagnostic log: every grant runs the owner at or above
// the ceiling, unlocks pair with locks and no ceiling mutex is granted
// twice.
func verify(r io.Reader) (*report, error) {
	rep := &report{Tasks: make(map[string]*taskCounts)}
	held := make(map[uint8]uint64)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		rep.Lines++
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := proto.Parse(line)
		if err != nil {
			rep.Skipped++
			continue
		}
		rep.Records++

		switch rec.Kind {
		case proto.KindLock:
			if rec.After > rec.Ceiling {
				rep.violatef(rep.Lines, "owner runs at %d, below ceiling %d", rec.After, rec.Ceiling)
			}
			if rec.After > rec.Before {
				rep.violatef(rep.Lines, "grant lowered priority %d to %d", rec.Before, rec.After)
			}
			if at, ok := held[rec.Ceiling]; ok {
				rep.violatef(rep.Lines, "R%d granted while held since tick %d", rec.Ceiling, at)
			}
			held[rec.Ceiling] = rec.Tick
		case proto.KindUnlock:
			if _, ok := held[rec.Ceiling]; !ok {
				rep.violatef(rep.Lines, "R%d released without a grant", rec.Ceiling)
			}
			delete(held, rec.Ceiling)
		case proto.KindStart:
			rep.task(rec.Task).Starts++
		case proto.KindComplete:
			rep.task(rec.Task).Completions++
		case proto.KindMiss:
			rep.task(rec.Task).Misses++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *report) task(name string) *taskCounts {
	c := r.Tasks[name]
	if c == nil {
		c = &taskCounts{}
		r.Tasks[name] = c
	}
	return c
}

func (r *report) violatef(line int, format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf("line %d: ", line)+fmt.Sprintf(format, args...))
}

func (r *report) write(w io.Writer) {
	fmt.Fprintf(w, "lines=%d records=%d skipped=%d\n", r.Lines, r.Records, r.Skipped)
	names := make([]string, 0, len(r.Tasks))
	for n := range r.Tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := r.Tasks[n]
		fmt.Fprintf(w, "%s starts=%d completions=%d misses=%d\n", n, c.Starts, c.Completions, c.Misses)
	}
	for _, v := range r.Violations {
		fmt.Fprintln(w, "violation: "+v)
	}
}
