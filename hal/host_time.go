package hal

import "time"

// hostTime turns host frames into ticks at a fixed rate. Ticks that the
// consumer has not taken when the buffer is full are dropped.
type hostTime struct {
	ch  chan uint64
	seq uint64
	hz  int
	dur time.Duration

	last time.Time
	acc  time.Duration
}

func newHostTime(hz int) *hostTime {
	return &hostTime{
		ch:  make(chan uint64, 1024),
		hz:  hz,
		dur: time.Second / time.Duration(hz),
	}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }
func (t *hostTime) Hz() int              { return t.hz }

// step emits the ticks that elapsed since the previous frame, or n on the
// first frame.
func (t *hostTime) step(n uint64) {
	t.advance(time.Now(), n)
}

func (t *hostTime) advance(now time.Time, first uint64) {
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(first)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / t.dur)
	if ticks == 0 {
		return
	}
	t.acc %= t.dur
	t.stepN(ticks)
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
