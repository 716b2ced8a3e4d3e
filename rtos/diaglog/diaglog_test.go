package diaglog

import (
	"runtime"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func drain(b *Buffer) []string {
	var out []string
	b.DrainAll(func(line string) { out = append(out, line) })
	return out
}

func TestBufferDrainOrder(t *testing.T) {
	b := New(4, 32)
	for _, s := range []string{"a", "b", "c"} {
		if !b.Append(s) {
			t.Fatalf("Append(%q) = false, want true", s)
		}
	}
	got := drain(b)
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("DrainAll() = %v, want [a b c]", got)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

func TestBufferDropsNewestWhenFull(t *testing.T) {
	b := New(3, 8)
	for i, s := range []string{"1", "2", "3"} {
		if !b.Append(s) {
			t.Fatalf("Append() ok = false at slot %d, want true", i)
		}
	}
	if b.Append("4") {
		t.Fatalf("Append() on full buffer = true, want false")
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", b.Dropped())
	}
	got := drain(b)
	if strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("DrainAll() = %v, want [1 2 3]", got)
	}
}

func TestBufferTruncatesToWidth(t *testing.T) {
	b := New(2, 5)
	b.Append("0123456789")
	got := drain(b)
	if len(got) != 1 || got[0] != "01234" {
		t.Fatalf("DrainAll() = %q, want [\"01234\"]", got)
	}
}

func TestBufferTruncatesOnRuneBoundary(t *testing.T) {
	b := New(2, 5)
	b.Append("3 sé T")
	got := drain(b)
	if len(got) != 1 || got[0] != "3 sé" {
		t.Fatalf("DrainAll() = %q, want [\"3 sé\"]", got)
	}

	b.Append("abcdé")
	got = drain(b)
	if len(got) != 1 || got[0] != "abcd" || !utf8.ValidString(got[0]) {
		t.Fatalf("DrainAll() = %q, want [\"abcd\"]", got)
	}
}

func TestBufferWrapsAround(t *testing.T) {
	b := New(3, 8)
	b.Append("a")
	b.Append("b")
	drain(b)
	b.Append("c")
	b.Append("d")
	b.Append("e")
	if b.Append("f") {
		t.Fatalf("Append() past capacity after wrap = true, want false")
	}
	got := drain(b)
	if strings.Join(got, ",") != "c,d,e" {
		t.Fatalf("DrainAll() = %v, want [c d e]", got)
	}
}

func TestBufferEmitMayAppend(t *testing.T) {
	b := New(4, 16)
	b.Append("first")
	n := b.DrainAll(func(line string) {
		b.Append("echo " + line)
	})
	if n != 1 {
		t.Fatalf("DrainAll() = %d, want 1", n)
	}
	got := drain(b)
	if len(got) != 1 || got[0] != "echo first" {
		t.Fatalf("second DrainAll() = %v, want [echo first]", got)
	}
}

func TestBufferDefaults(t *testing.T) {
	b := New(0, 0)
	if b.Cap() != DefaultCapacity {
		t.Fatalf("Cap() = %d, want %d", b.Cap(), DefaultCapacity)
	}
	b.Append(strings.Repeat("x", DefaultWidth+10))
	got := drain(b)
	if len(got[0]) != DefaultWidth {
		t.Fatalf("record len = %d, want %d", len(got[0]), DefaultWidth)
	}
}

func TestBufferConcurrentProducers(t *testing.T) {
	prev := runtime.GOMAXPROCS(1)
	t.Cleanup(func() { runtime.GOMAXPROCS(prev) })

	b := New(64, 16)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				b.Append("x")
			}
		}()
	}
	wg.Wait()

	n := b.DrainAll(nil)
	if n != 64 {
		t.Fatalf("DrainAll() = %d, want 64", n)
	}
	if b.Dropped() != 64 {
		t.Fatalf("Dropped() = %d, want 64", b.Dropped())
	}
}
