package main

import (
	"bytes"
	"strings"
	"testing"

	"rtlab/rtos/tasks/lab"
	"rtlab/rtos/taskset"
)

func builtin(t *testing.T, name string) *taskset.File {
	t.Helper()
	f, err := taskset.Builtin(name)
	if err != nil {
		t.Fatalf("Builtin(%q) err = %v", name, err)
	}
	return f
}

func TestAnalyze(t *testing.T) {
	var buf bytes.Buffer
	if err := analyze(&buf, builtin(t, "rm-set1"), ""); err != nil {
		t.Fatalf("analyze() err = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"rm-set1 (2 tasks)", "R=1\n", "R=5\n", "rm: U=0.833 bound=0.828 schedulable\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("analyze() = %q, missing %q", out, want)
		}
	}

	buf.Reset()
	if err := analyze(&buf, builtin(t, "rm-set2"), ""); err != nil {
		t.Fatalf("analyze() err = %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "R=unbounded") || !strings.Contains(out, "NOT schedulable") {
		t.Fatalf("analyze(rm-set2) = %q", out)
	}

	buf.Reset()
	if err := analyze(&buf, builtin(t, "rm-set2"), "edf"); err != nil {
		t.Fatalf("analyze() err = %v", err)
	}
	if out := buf.String(); strings.Contains(out, "R=") || !strings.Contains(out, "edf: U=1.278") {
		t.Fatalf("analyze(rm-set2, edf) = %q", out)
	}

	if err := analyze(&buf, builtin(t, "rm-set1"), "fifo"); err == nil {
		t.Fatalf("analyze(fifo) err = nil")
	}
}

func TestSimulateThenVerify(t *testing.T) {
	var buf bytes.Buffer
	if err := simulate(&buf, builtin(t, "pcp-set1"), lab.Options{}, 300); err != nil {
		t.Fatalf("simulate() err = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "0 start T3\n2 lock R1 (Prio=5 change to=1)\n") {
		t.Fatalf("simulate() = %q", buf.String())
	}

	rep, err := verify(&buf)
	if err != nil {
		t.Fatalf("verify() err = %v", err)
	}
	if len(rep.Violations) != 0 {
		t.Fatalf("Violations = %q", rep.Violations)
	}
	if c := rep.Tasks["T1"]; c == nil || c.Completions != 3 || c.Misses != 0 {
		t.Fatalf("T1 = %+v, want 3 completions", c)
	}
	if rep.Skipped == 0 {
		t.Fatalf("summary lines were not skipped")
	}
}

func TestVerifyFindsViolations(t *testing.T) {
	log := strings.Join([]string{
		"    2   lock  R1  (Prio=  5 change to=  1)",
		"3 lock R1 (Prio=1 change to=1)",
		"4 unlock R1 (Prio=1 change to=5)",
		"5 unlock R2 (Prio=5 change to=5)",
		"6 lock R2 (Prio=4 change to=3)",
		"7 miss T1",
		"not a record",
		"",
	}, "\n")
	rep, err := verify(strings.NewReader(log))
	if err != nil {
		t.Fatalf("verify() err = %v", err)
	}
	if rep.Records != 6 || rep.Skipped != 1 {
		t.Fatalf("records = %d skipped = %d, want 6 and 1", rep.Records, rep.Skipped)
	}
	want := []string{
		"line 2: R1 granted while held since tick 2",
		"line 4: R2 released without a grant",
		"line 5: owner runs at 3, below ceiling 2",
	}
	if len(rep.Violations) != len(want) {
		t.Fatalf("Violations = %q, want %q", rep.Violations, want)
	}
	for i := range want {
		if rep.Violations[i] != want[i] {
			t.Fatalf("Violations[%d] = %q, want %q", i, rep.Violations[i], want[i])
		}
	}
	if rep.Tasks["T1"].Misses != 1 {
		t.Fatalf("T1 misses = %d, want 1", rep.Tasks["T1"].Misses)
	}

	var out bytes.Buffer
	rep.write(&out)
	if !strings.Contains(out.String(), "T1 starts=0 completions=0 misses=1\n") {
		t.Fatalf("write() = %q", out.String())
	}
}
