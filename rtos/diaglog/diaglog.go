// Package diaglog is a bounded ring of fixed-width text records.
//
// Producers append from inside kernel critical sections, so Append never
// blocks on anything but the buffer's own leaf mutex and drops the newest
// line when the ring is full. DrainAll takes the pending records under that
// mutex and emits them after releasing it.
package diaglog

import (
	"sync"
	"unicode/utf8"
)

const (
	// DefaultCapacity is the number of records the lab message queue held.
	DefaultCapacity = 100
	// DefaultWidth is the fixed record size in bytes.
	DefaultWidth = 100
)

// Buffer is a drop-newest circular log.
type Buffer struct {
	_ [0]func() // prevent accidental copying.

	mu      sync.Mutex
	slots   [][]byte
	lens    []int
	write   int
	read    int
	count   int
	dropped uint64
}

// New returns a buffer with capacity records of at most width bytes each.
// Non-positive arguments select the defaults.
func New(capacity, width int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if width <= 0 {
		width = DefaultWidth
	}
	b := &Buffer{
		slots: make([][]byte, capacity),
		lens:  make([]int, capacity),
	}
	backing := make([]byte, capacity*width)
	for i := range b.slots {
		b.slots[i] = backing[i*width : (i+1)*width : (i+1)*width]
	}
	return b
}

// Append copies line into the next free record, truncated to the record
// width on a rune boundary. It returns false and counts a drop when the
// buffer is full.
func (b *Buffer) Append(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= len(b.slots) {
		b.dropped++
		return false
	}
	n := copy(b.slots[b.write], line)
	for n > 0 && n < len(line) && !utf8.RuneStart(line[n]) {
		n--
	}
	b.lens[b.write] = n
	b.write = (b.write + 1) % len(b.slots)
	b.count++
	return true
}

// DrainAll removes every pending record and passes them to emit in append
// order. emit runs without the buffer locked and may call Append; lines
// appended meanwhile wait for the next drain. It returns the number of
// records emitted.
func (b *Buffer) DrainAll(emit func(line string)) int {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		return 0
	}
	lines := make([]string, 0, b.count)
	for b.count > 0 {
		lines = append(lines, string(b.slots[b.read][:b.lens[b.read]]))
		b.read = (b.read + 1) % len(b.slots)
		b.count--
	}
	b.mu.Unlock()

	if emit != nil {
		for _, line := range lines {
			emit(line)
		}
	}
	return len(lines)
}

// Len returns the number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the record capacity.
func (b *Buffer) Cap() int { return len(b.slots) }

// Dropped returns how many lines were discarded because the buffer was full.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
