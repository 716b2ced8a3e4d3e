package app

import (
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"rtlab/hal"
	"rtlab/kernel"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

const (
	panicFontHeight = 10
	panicFontOffset = 6
)

func (s *system) installPanicHandler() {
	out := s.h.Logger()
	s.lab.Kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		if out != nil {
			out.WriteLineString(fmt.Sprintf("rtlab panic: task=%d (%s) panic=%v", info.TaskID, info.Name, info.Value))
			for _, line := range stackLines(info.Stack) {
				out.WriteLineString(line)
			}
		}
		s.mu.Lock()
		if s.panicked == nil {
			s.panicked = &info
		}
		s.mu.Unlock()
	})
}

// pendingPanic returns the recorded panic the first time it is asked after
// a task panicked.
func (s *system) pendingPanic() (kernel.PanicInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicked == nil || s.panicRun {
		return kernel.PanicInfo{}, false
	}
	s.panicRun = true
	return *s.panicked, true
}

func (s *system) showingPanic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panicRun
}

func stackLines(stack []byte) []string {
	var out []string
	for _, line := range strings.Split(string(stack), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// drawPanic replaces the console with a white panic screen.
func drawPanic(fb hal.Framebuffer, info kernel.PanicInfo) {
	fb.ClearRGB(255, 255, 255)

	font := &proggy.TinySZ8pt7b
	_, outboxWidth := tinyfont.LineWidth(font, "0")
	fontWidth := int16(outboxWidth)
	if fontWidth <= 0 {
		_ = fb.Present()
		return
	}

	d := panicDisplay{fb: fb}
	lines := []string{
		"rtlab panic:",
		fmt.Sprintf("task: %d (%s)", info.TaskID, info.Name),
		fmt.Sprintf("panic: %v", info.Value),
	}
	if st := stackLines(info.Stack); len(st) > 0 {
		lines = append(lines, "stack:")
		lines = append(lines, st...)
	} else {
		lines = append(lines, "stack: unavailable")
	}

	fg := color.RGBA{A: 255}
	cols := int16(fb.Width()) / fontWidth
	if cols <= 0 {
		cols = 1
	}
	maxH := int16(fb.Height())

	y := int16(0)
draw:
	for _, line := range lines {
		for len(line) > 0 {
			if y+panicFontHeight > maxH {
				break draw
			}
			chunk, rest := takeRunes(line, cols)
			x := int16(0)
			for _, r := range chunk {
				tinyfont.DrawChar(d, font, x, y+panicFontOffset, r, fg)
				x += fontWidth
			}
			y += panicFontHeight
			line = strings.TrimLeft(rest, " ")
		}
	}
	_ = fb.Present()
}

type panicDisplay struct {
	fb hal.Framebuffer
}

func (d panicDisplay) Size() (x, y int16) {
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d panicDisplay) SetPixel(x, y int16, c color.RGBA) {
	if d.fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	buf := d.fb.Buffer()
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.fb.Width() || iy < 0 || iy >= d.fb.Height() {
		return
	}
	pixel := uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
	off := iy*d.fb.StrideBytes() + ix*2
	if off < 0 || off+1 >= len(buf) {
		return
	}
	buf[off] = byte(pixel)
	buf[off+1] = byte(pixel >> 8)
}

func (d panicDisplay) Display() error { return nil }

func takeRunes(s string, n int16) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	var i int
	var count int16
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i], s[i:]
}
