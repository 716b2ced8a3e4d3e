// Package app wires a task set, the scheduling lab and the console onto a
// HAL and exposes the per-frame step used by the host runners.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rtlab/hal"
	"rtlab/internal/buildinfo"
	"rtlab/kernel"
	"rtlab/rtos/policy"
	"rtlab/rtos/services/console"
	"rtlab/rtos/taskset"
	"rtlab/rtos/tasks/lab"
)

// DefaultTaskSet runs when Config.TaskSet is empty.
const DefaultTaskSet = "rm-set1"

var ErrConfig = errors.New("app: invalid config")

type Config struct {
	// TaskSet is a built-in set name or a path to a YAML file.
	TaskSet string
	// Policy overrides the policy of the set ("rm" or "edf").
	Policy string
	// Horizon overrides the run length of the set in ticks.
	Horizon kernel.Tick
	// DrainByTasks drains the log from the periodic tasks instead of the
	// logger task.
	DrainByTasks bool
	// Trace logs context switches.
	Trace bool
	// ExitOnDone makes the step return hal.ErrQuit once the run finished.
	ExitOnDone bool
}

func (c Config) Validate() error {
	if c.Policy != "" {
		if _, err := policy.Parse(c.Policy); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return nil
}

type system struct {
	h   hal.HAL
	cfg Config
	log hal.Logger
	con *console.Console
	lab *lab.System

	// src is the HAL timebase; ticks is what the kernel consumes. Step moves
	// ticks across unless paused.
	src    <-chan uint64
	ticks  chan uint64
	paused bool

	done chan struct{}

	mu       sync.Mutex
	runErr   error
	panicked *kernel.PanicInfo
	panicRun bool
}

// New builds the lab described by cfg on h, starts it and returns the step
// to call once per host frame. Setup errors are logged and returned by the
// first step.
func New(h hal.HAL, cfg Config) func() error {
	s, err := newSystem(h, cfg)
	if err != nil {
		if l := h.Logger(); l != nil {
			l.WriteLineString("rtlab: " + err.Error())
		}
		return func() error { return err }
	}
	s.start()
	return s.step
}

func newSystem(h hal.HAL, cfg Config) (*system, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TaskSet == "" {
		cfg.TaskSet = DefaultTaskSet
	}
	set, err := taskset.Resolve(cfg.TaskSet)
	if err != nil {
		return nil, err
	}

	s := &system{h: h, cfg: cfg, done: make(chan struct{})}
	var fb hal.Framebuffer
	if d := h.Display(); d != nil {
		fb = d.Framebuffer()
	}
	s.con = console.New(fb)
	s.log = tee{h.Logger(), s.con}

	opts := lab.Options{
		Logger:        s.log,
		Policy:        cfg.Policy,
		DrainByTasks:  cfg.DrainByTasks,
		TraceSwitches: cfg.Trace,
	}
	if ht := h.Time(); ht != nil && ht.Ticks() != nil {
		s.src = ht.Ticks()
		s.ticks = make(chan uint64, 1024)
		opts.Ticks = s.ticks
	}
	s.lab, err = lab.Build(set, opts)
	if err != nil {
		return nil, err
	}
	s.installPanicHandler()
	return s, nil
}

func (s *system) start() {
	horizon := s.cfg.Horizon
	if horizon == 0 {
		horizon = s.lab.Set.Horizon
	}
	s.log.WriteLineString(fmt.Sprintf("rtlab %s: taskset=%s policy=%s horizon=%d",
		buildinfo.Short(), s.lab.Set.Name, s.lab.Policy.Name(), horizon))
	for _, w := range s.lab.Warnings {
		s.log.WriteLineString("warning: " + w)
	}
	s.log.WriteLineString(policy.Analyze(s.lab.Policy, s.lab.Set.Loads()).String())

	go func() {
		err := s.lab.Run(context.Background(), horizon)
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		if err != nil {
			s.log.WriteLineString("run: " + err.Error())
		}
		for _, l := range s.lab.Summary() {
			s.log.WriteLineString(l)
		}
		close(s.done)
	}()
}

func (s *system) step() error {
	s.pump()
	if s.keys() {
		s.lab.Kernel.Stop()
		<-s.done
		return hal.ErrQuit
	}

	var finished bool
	select {
	case <-s.done:
		finished = true
	default:
	}
	if err := s.render(); err != nil {
		return err
	}
	if finished && s.cfg.ExitOnDone {
		s.mu.Lock()
		err := s.runErr
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return hal.ErrQuit
	}
	return nil
}

func (s *system) render() error {
	if info, ok := s.pendingPanic(); ok {
		if fb := s.framebuffer(); fb != nil {
			drawPanic(fb, info)
		}
		return nil
	}
	if s.showingPanic() {
		return nil
	}
	_, err := s.con.Flush()
	return err
}

// pump forwards the ticks the HAL produced since the last frame.
func (s *system) pump() {
	if s.src == nil {
		return
	}
	for {
		select {
		case v := <-s.src:
			if s.paused {
				continue
			}
			select {
			case s.ticks <- v:
			default:
			}
		default:
			return
		}
	}
}

// keys handles pending key events and reports whether the user quit.
func (s *system) keys() bool {
	in := s.h.Input()
	if in == nil {
		return false
	}
	kbd := in.Keyboard()
	if kbd == nil {
		return false
	}
	for {
		select {
		case ev := <-kbd.Events():
			if !ev.Press {
				continue
			}
			switch {
			case ev.Code == hal.KeyEscape || ev.Rune == 'q':
				return true
			case ev.Code == hal.KeySpace:
				s.paused = !s.paused
			case ev.Rune == 'c':
				s.con.Clear()
			}
		default:
			return false
		}
	}
}

func (s *system) framebuffer() hal.Framebuffer {
	if d := s.h.Display(); d != nil {
		return d.Framebuffer()
	}
	return nil
}

// tee writes every line to both loggers.
type tee [2]hal.Logger

func (t tee) WriteLineString(line string) {
	for _, l := range t {
		if l != nil {
			l.WriteLineString(line)
		}
	}
}

func (t tee) WriteLineBytes(b []byte) { t.WriteLineString(string(b)) }
