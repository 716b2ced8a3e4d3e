package proto

import (
	"errors"
	"testing"
)

func TestParseLockLine(t *testing.T) {
	r, err := Parse(FormatLock(12, 1, 3, 1))
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	want := Record{Tick: 12, Kind: KindLock, Ceiling: 1, Before: 3, After: 1}
	if r != want {
		t.Fatalf("Parse() = %+v, want %+v", r, want)
	}
}

func TestParsePaddedUnlockLine(t *testing.T) {
	r, err := Parse("   18 unlock  R2  (Prio=  2 change to=  4)")
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if r.Kind != KindUnlock || r.Tick != 18 || r.Ceiling != 2 || r.Before != 2 || r.After != 4 {
		t.Fatalf("Parse() = %+v, want unlock R2 2->4 at 18", r)
	}
}

func TestParseTaskEvents(t *testing.T) {
	for _, tc := range []struct {
		line string
		kind Kind
	}{
		{FormatStart(3, "T1"), KindStart},
		{FormatComplete(4, "T1"), KindComplete},
		{FormatMiss(5, "T2"), KindMiss},
	} {
		r, err := Parse(tc.line)
		if err != nil {
			t.Fatalf("Parse(%q) err = %v", tc.line, err)
		}
		if r.Kind != tc.kind {
			t.Fatalf("Parse(%q).Kind = %v, want %v", tc.line, r.Kind, tc.kind)
		}
	}
}

func TestParseSwitch(t *testing.T) {
	r, err := Parse(FormatSwitch(6, "preempt", "T2", "T1"))
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if r.Kind != KindSwitch || r.Reason != "preempt" || r.From != "T2" || r.To != "T1" || r.Tick != 6 {
		t.Fatalf("Parse() = %+v", r)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, line := range []string{"", "12", "x start T1", "4 jump T1", "4 start", "4 lock R1"} {
		if _, err := Parse(line); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%q) err = %v, want ErrMalformed", line, err)
		}
	}
}
