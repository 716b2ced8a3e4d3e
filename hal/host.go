package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// DefaultTickHz is the simulated kernel tick rate on the host.
	DefaultTickHz = 100

	defaultWidth  = 320
	defaultHeight = 320
)

// HostConfig sizes the host HAL.
type HostConfig struct {
	// TickHz is the tick rate of Time. Zero selects DefaultTickHz.
	TickHz int
	Width  int
	Height int
	// Out receives log lines. Nil selects stdout.
	Out io.Writer
}

type hostHAL struct {
	logger *hostLogger
	fb     *hostFramebuffer
	kbd    *hostKeyboard
	t      *hostTime
}

// New returns a host HAL with default settings.
func New() HAL { return newHost(HostConfig{}) }

// NewHost returns a host HAL.
func NewHost(cfg HostConfig) HAL { return newHost(cfg) }

func newHost(cfg HostConfig) *hostHAL {
	if cfg.TickHz <= 0 {
		cfg.TickHz = DefaultTickHz
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaultWidth, defaultHeight
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &hostHAL{
		logger: &hostLogger{w: cfg.Out},
		fb:     newHostFramebuffer(cfg.Width, cfg.Height),
		kbd:    newHostKeyboard(),
		t:      newHostTime(cfg.TickHz),
	}
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Input() Input     { return hostInput{kbd: h.kbd} }
func (h *hostHAL) Time() Time       { return h.t }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostInput struct {
	kbd *hostKeyboard
}

func (in hostInput) Keyboard() Keyboard { return in.kbd }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
