// Package console mirrors drained diagnostic lines onto the framebuffer
// through a tinyterm terminal.
package console

import (
	"strings"
	"sync"

	"rtlab/hal"
	"rtlab/rtos/proto"

	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

// MaxPending bounds the lines queued between two flushes. Older lines are
// dropped first.
const MaxPending = 256

const (
	sgrReset  = "\x1b[0m"
	sgrRed    = "\x1b[31m"
	sgrGreen  = "\x1b[32m"
	sgrYellow = "\x1b[33m"
	sgrCyan   = "\x1b[36m"
)

// Console is a hal.Logger that renders onto a framebuffer. Writers only
// queue; Flush draws from the display loop.
type Console struct {
	fb hal.Framebuffer
	d  *fbDisplay
	t  *tinyterm.Terminal

	mu      sync.Mutex
	pending []string
	clear   bool
	dropped uint64
	shown   uint64
}

// New returns a console drawing on fb. A nil fb discards everything.
func New(fb hal.Framebuffer) *Console {
	c := &Console{fb: fb, d: &fbDisplay{fb: fb}}
	c.reset()
	return c
}

func (c *Console) reset() {
	if c.fb == nil {
		return
	}
	c.t = tinyterm.NewTerminal(c.d)
	c.t.Configure(&tinyterm.Config{
		Font:              &proggy.TinySZ8pt7b,
		FontHeight:        10,
		FontOffset:        6,
		UseSoftwareScroll: true,
	})
	c.fb.ClearRGB(0, 0, 0)
}

func (c *Console) WriteLineString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= MaxPending {
		c.pending = c.pending[1:]
		c.dropped++
	}
	c.pending = append(c.pending, s)
}

func (c *Console) WriteLineBytes(b []byte) { c.WriteLineString(string(b)) }

// Clear blanks the screen at the next flush.
func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear = true
	c.pending = c.pending[:0]
}

// Flush draws queued lines and presents the framebuffer when anything
// changed. It returns the number of lines drawn.
func (c *Console) Flush() (int, error) {
	c.mu.Lock()
	lines := c.pending
	c.pending = nil
	clear := c.clear
	c.clear = false
	c.mu.Unlock()

	if c.t == nil || (len(lines) == 0 && !clear) {
		return 0, nil
	}
	if clear {
		c.reset()
	}
	for _, l := range lines {
		_, _ = c.t.Write([]byte(colorize(l) + "\r\n"))
	}
	c.mu.Lock()
	c.shown += uint64(len(lines))
	c.mu.Unlock()
	return len(lines), c.d.Display()
}

// Stats returns the number of lines drawn and dropped so far.
func (c *Console) Stats() (shown, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown, c.dropped
}

func colorize(line string) string {
	r, err := proto.Parse(line)
	if err != nil {
		return line
	}
	var sgr string
	switch r.Kind {
	case proto.KindMiss:
		sgr = sgrRed
	case proto.KindComplete:
		sgr = sgrGreen
	case proto.KindLock, proto.KindUnlock:
		sgr = sgrYellow
	case proto.KindSwitch:
		sgr = sgrCyan
	default:
		return line
	}
	return sgr + strings.TrimSpace(line) + sgrReset
}
