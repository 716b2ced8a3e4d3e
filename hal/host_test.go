package hal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func drain(ch <-chan uint64) []uint64 {
	var out []uint64
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestHostTimeAdvance(t *testing.T) {
	ht := newHostTime(1000)
	base := time.Unix(0, 0)

	ht.advance(base, 1)
	if got := drain(ht.Ticks()); len(got) != 1 || got[0] != 1 {
		t.Fatalf("first advance ticks = %v, want [1]", got)
	}

	ht.advance(base.Add(2500*time.Microsecond), 1)
	if got := drain(ht.Ticks()); len(got) != 2 || got[1] != 3 {
		t.Fatalf("advance(2.5ms) ticks = %v, want [2 3]", got)
	}

	// The leftover half tick carries into the next frame.
	ht.advance(base.Add(3000*time.Microsecond), 1)
	if got := drain(ht.Ticks()); len(got) != 1 || got[0] != 4 {
		t.Fatalf("advance(3ms) ticks = %v, want [4]", got)
	}
	if ht.Hz() != 1000 {
		t.Fatalf("Hz() = %d, want 1000", ht.Hz())
	}
}

func TestHostTimeDropsWhenFull(t *testing.T) {
	ht := newHostTime(10)
	ht.stepN(2000)
	if got := len(drain(ht.Ticks())); got != cap(ht.ch) {
		t.Fatalf("buffered ticks = %d, want %d", got, cap(ht.ch))
	}
	if ht.seq != 2000 {
		t.Fatalf("seq = %d, want 2000", ht.seq)
	}
}

func TestHostLogger(t *testing.T) {
	var buf bytes.Buffer
	h := NewHost(HostConfig{Out: &buf})
	h.Logger().WriteLineString("0 start T1")
	h.Logger().WriteLineBytes([]byte("1 complete T1"))
	if got, want := buf.String(), "0 start T1\n1 complete T1\n"; got != want {
		t.Fatalf("log = %q, want %q", got, want)
	}
}

func TestHostDefaults(t *testing.T) {
	h := NewHost(HostConfig{Out: &bytes.Buffer{}})
	fb := h.Display().Framebuffer()
	if fb.Width() != defaultWidth || fb.Height() != defaultHeight {
		t.Fatalf("size = %dx%d", fb.Width(), fb.Height())
	}
	if fb.StrideBytes() != defaultWidth*2 || len(fb.Buffer()) != defaultWidth*defaultHeight*2 {
		t.Fatalf("stride = %d len = %d", fb.StrideBytes(), len(fb.Buffer()))
	}
	if h.Time().Hz() != DefaultTickHz {
		t.Fatalf("Hz() = %d, want %d", h.Time().Hz(), DefaultTickHz)
	}
}

func TestClearAndExpand(t *testing.T) {
	fb := newHostFramebuffer(2, 1)
	fb.ClearRGB(0xFF, 0, 0)
	src := make([]byte, len(fb.buf))
	fb.snapshotRGB565(src)
	dst := make([]byte, 8)
	expandRGB565(dst, src)
	want := []byte{0xFF, 0, 0, 0xFF, 0xFF, 0, 0, 0xFF}
	if !bytes.Equal(dst, want) {
		t.Fatalf("expand = %v, want %v", dst, want)
	}
}

func TestRunHeadlessFrames(t *testing.T) {
	var steps int
	err := RunHeadless(context.Background(), func(h HAL) func() error {
		return func() error { steps++; return nil }
	}, HeadlessConfig{Hz: 1000, Frames: 3, Host: HostConfig{Out: &bytes.Buffer{}}})
	if err != nil {
		t.Fatalf("RunHeadless() err = %v", err)
	}
	if steps != 3 {
		t.Fatalf("steps = %d, want 3", steps)
	}
}

func TestRunHeadlessQuit(t *testing.T) {
	var steps int
	err := RunHeadless(context.Background(), func(h HAL) func() error {
		return func() error {
			steps++
			if steps == 2 {
				return ErrQuit
			}
			return nil
		}
	}, HeadlessConfig{Hz: 1000, Host: HostConfig{Out: &bytes.Buffer{}}})
	if err != nil || steps != 2 {
		t.Fatalf("RunHeadless() = %v after %d steps, want nil after 2", err, steps)
	}

	boom := errors.New("boom")
	err = RunHeadless(context.Background(), func(h HAL) func() error {
		return func() error { return boom }
	}, HeadlessConfig{Hz: 1000, Host: HostConfig{Out: &bytes.Buffer{}}})
	if !errors.Is(err, boom) {
		t.Fatalf("RunHeadless() err = %v, want boom", err)
	}
}

func TestRunHeadlessContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunHeadless(ctx, func(h HAL) func() error { return nil }, HeadlessConfig{Hz: 10, Host: HostConfig{Out: &bytes.Buffer{}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunHeadless() err = %v, want Canceled", err)
	}
}
