// Package logger drains the diagnostic log into a hal.Logger from a
// low-priority kernel task.
package logger

import (
	"sync/atomic"

	"rtlab/hal"
	"rtlab/kernel"
)

// DefaultInterval is the number of ticks between drains.
const DefaultInterval kernel.Tick = 10

// Source is a log that can be emptied.
type Source interface {
	DrainAll(emit func(line string)) int
}

type Service struct {
	k        kernel.Adapter
	src      Source
	log      hal.Logger
	interval kernel.Tick

	lines atomic.Uint64
}

// New returns a service draining src into log every interval ticks.
func New(k kernel.Adapter, src Source, log hal.Logger, interval kernel.Tick) *Service {
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Service{k: k, src: src, log: log, interval: interval}
}

// Run is the kernel task entry.
func (s *Service) Run(*kernel.Task) {
	for {
		s.Step()
		if err := s.k.DelayFor(s.interval); err != nil {
			return
		}
	}
}

// Step drains once and returns the number of lines written.
func (s *Service) Step() int {
	n := s.src.DrainAll(s.write)
	s.lines.Add(uint64(n))
	return n
}

// Lines returns the number of lines drained so far.
func (s *Service) Lines() uint64 { return s.lines.Load() }

func (s *Service) write(line string) {
	if s.log == nil {
		return
	}
	s.log.WriteLineString(line)
}
