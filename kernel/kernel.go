// Package kernel is a simulated preemptive, priority-based real-time kernel.
//
// Every task runs on its own goroutine, but only the task holding the CPU
// permit executes; the others wait on their permit channel. Time is a 64-bit
// tick counter that advances only when the running task consumes a compute
// tick (Burn), so a run is deterministic for a given task set. When
// Config.Ticks is set, each tick also waits for one value from that channel,
// which paces the simulation against a wall-clock timebase.
//
// Priorities follow the uC/OS-II convention: numerically lower is more
// urgent, 0..62 are usable, 63 belongs to the idle task.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Tick is the kernel timebase. It is 64 bits wide, so wraparound is never
// observed in practice; comparisons still go through TickBefore.
type Tick uint64

// TickBefore reports whether a is strictly earlier than b, tolerating wraparound.
func TickBefore(a, b Tick) bool { return int64(a-b) < 0 }

// Priority is a task or ceiling priority. Lower values are more urgent.
type Priority uint8

const (
	NumPriorities = 64

	// IdlePriority is reserved for the idle task.
	IdlePriority Priority = NumPriorities - 1
	// LowestPriority is the least urgent priority a task or ceiling may use.
	LowestPriority Priority = IdlePriority - 1

	MaxTasks = 64
)

// Ordering selects how ready tasks of equal priority are ranked.
type Ordering uint8

const (
	// OrderPriority ranks by priority, then FIFO.
	OrderPriority Ordering = iota
	// OrderDeadline ranks by priority, then absolute deadline, then FIFO.
	OrderDeadline
)

func (o Ordering) String() string {
	switch o {
	case OrderPriority:
		return "priority"
	case OrderDeadline:
		return "deadline"
	default:
		return fmt.Sprintf("Ordering(%d)", uint8(o))
	}
}

// Config controls a Kernel.
type Config struct {
	Ordering Ordering

	// Ticks paces Burn: each compute tick waits for one value. Nil runs on
	// the virtual clock only.
	Ticks <-chan uint64

	// Reserved priority slots that neither ceilings nor (with
	// ExclusivePriorities) tasks may take.
	Reserved []Priority

	// ExclusivePriorities makes every task occupy its priority slot, as in
	// uC/OS-II where a priority identifies exactly one task.
	ExclusivePriorities bool
}

var (
	ErrISR             = errors.New("kernel: not allowed from interrupt context")
	ErrSchedLocked     = errors.New("kernel: scheduler locked")
	ErrNoTask          = errors.New("kernel: no running task")
	ErrPriorityInvalid = errors.New("kernel: priority out of range")
	ErrPriorityExists  = errors.New("kernel: priority slot in use")
	ErrTooManyTasks    = errors.New("kernel: task table full")
	ErrNilEntry        = errors.New("kernel: nil task entry")
	ErrStarted         = errors.New("kernel: already started")
)

// Kernel is one simulated CPU with its task table.
type Kernel struct {
	// mu is the global critical section.
	mu sync.Mutex

	cfg Config
	now Tick
	seq uint64

	tasks []*Task
	ready taskQueue
	cur   *Task
	idle  *Task

	reserved [NumPriorities]bool

	isr      atomic.Int32
	lockNest atomic.Int32

	listeners []Listener
	hooks     []func(Tick)

	running  bool
	horizon  Tick
	switches uint64

	halt     chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup

	panicOnce    sync.Once
	panicked     atomic.Bool
	panicHandler atomic.Value // func(PanicInfo)
}

// New returns a kernel holding only its idle task.
func New(cfg Config) (*Kernel, error) {
	k := &Kernel{cfg: cfg, halt: make(chan struct{})}
	k.ready = taskQueue{less: k.before, slot: readySlot}
	for _, p := range cfg.Reserved {
		if p > LowestPriority {
			return nil, fmt.Errorf("reserve priority %d: %w", p, ErrPriorityInvalid)
		}
		k.reserved[p] = true
	}
	k.reserved[IdlePriority] = true
	k.idle = k.newTaskLocked("idle", IdlePriority, k.idleLoop)
	return k, nil
}

func (k *Kernel) idleLoop(*Task) {
	for {
		k.Burn()
	}
}

// Lock enters the global critical section.
//
// Never defer Unlock across a call that can switch tasks (PendLocked,
// ReschedLocked): a halted task leaves through runtime.Goexit while the
// section is released.
func (k *Kernel) Lock() { k.mu.Lock() }

// Unlock leaves the global critical section.
func (k *Kernel) Unlock() { k.mu.Unlock() }

// Ordering reports the ready-list ordering.
func (k *Kernel) Ordering() Ordering { return k.cfg.Ordering }

// Now returns the current tick.
func (k *Kernel) Now() Tick {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

// NowLocked is Now for callers inside the critical section.
func (k *Kernel) NowLocked() Tick { return k.now }

// Current returns the running task, or nil before Run.
func (k *Kernel) Current() *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cur
}

// CurrentLocked is Current for callers inside the critical section.
func (k *Kernel) CurrentLocked() *Task { return k.cur }

// Idle returns the idle task.
func (k *Kernel) Idle() *Task { return k.idle }

// Switches returns the number of context switches so far.
func (k *Kernel) Switches() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.switches
}

// InISR reports whether the caller runs in simulated interrupt context.
func (k *Kernel) InISR() bool { return k.isr.Load() > 0 }

// EnterISR marks the start of an interrupt handler. Handlers nest.
func (k *Kernel) EnterISR() { k.isr.Add(1) }

// ExitISR marks the end of an interrupt handler.
func (k *Kernel) ExitISR() {
	if k.isr.Load() > 0 {
		k.isr.Add(-1)
	}
}

// SchedulerLocked reports whether preemption is disabled.
func (k *Kernel) SchedulerLocked() bool { return k.lockNest.Load() > 0 }

// LockScheduler disables preemption for the running task. Calls nest.
func (k *Kernel) LockScheduler() { k.lockNest.Add(1) }

// UnlockScheduler undoes one LockScheduler and reschedules once the last
// level is released. It must be called from the running task.
func (k *Kernel) UnlockScheduler() {
	if k.lockNest.Load() == 0 {
		return
	}
	if k.lockNest.Add(-1) == 0 {
		k.mu.Lock()
		k.ReschedLocked()
		k.mu.Unlock()
	}
}

// ReservePriority claims a priority slot, as a ceiling mutex does.
func (k *Kernel) ReservePriority(p Priority) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ReservePriorityLocked(p)
}

// ReservePriorityLocked is ReservePriority inside the critical section.
func (k *Kernel) ReservePriorityLocked(p Priority) error {
	if p > LowestPriority {
		return ErrPriorityInvalid
	}
	if k.reserved[p] || (k.cfg.ExclusivePriorities && k.slotTakenLocked(p)) {
		return ErrPriorityExists
	}
	k.reserved[p] = true
	return nil
}

// ReleasePriorityLocked frees a slot claimed with ReservePriority.
func (k *Kernel) ReleasePriorityLocked(p Priority) {
	if p <= LowestPriority {
		k.reserved[p] = false
	}
}

func (k *Kernel) slotTakenLocked(p Priority) bool {
	for _, t := range k.tasks {
		if t.base == p && t.state != StateDead {
			return true
		}
	}
	return false
}

// CreateTask adds a task at the given base priority. Before Run the task
// waits for the first scheduling decision; after Run it must be called from
// a running task and may preempt it.
func (k *Kernel) CreateTask(name string, prio Priority, entry func(*Task)) (*Task, error) {
	if entry == nil {
		return nil, ErrNilEntry
	}
	if prio > LowestPriority {
		return nil, fmt.Errorf("task %q priority %d: %w", name, prio, ErrPriorityInvalid)
	}
	if k.InISR() {
		return nil, ErrISR
	}

	k.mu.Lock()
	if len(k.tasks) >= MaxTasks {
		k.mu.Unlock()
		return nil, ErrTooManyTasks
	}
	if k.cfg.ExclusivePriorities && (k.reserved[prio] || k.slotTakenLocked(prio)) {
		k.mu.Unlock()
		return nil, fmt.Errorf("task %q priority %d: %w", name, prio, ErrPriorityExists)
	}
	t := k.newTaskLocked(name, prio, entry)
	if k.running {
		k.startLocked(t)
		k.ReschedLocked()
	}
	k.mu.Unlock()
	return t, nil
}

func (k *Kernel) newTaskLocked(name string, prio Priority, entry func(*Task)) *Task {
	t := &Task{
		k:          k,
		id:         TaskID(len(k.tasks)),
		name:       name,
		base:       prio,
		prio:       prio,
		entry:      entry,
		permit:     make(chan struct{}, 1),
		readyIndex: -1,
		waitIndex:  -1,
	}
	k.tasks = append(k.tasks, t)
	k.makeReadyLocked(t)
	return t
}

// Run starts scheduling and blocks until tick until is reached (0 runs until
// ctx is done or Stop is called) and every task goroutine has exited. A
// kernel runs once.
func (k *Kernel) Run(ctx context.Context, until Tick) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return ErrStarted
	}
	k.running = true
	k.horizon = until
	if until != 0 && !TickBefore(k.now, until) {
		k.mu.Unlock()
		k.stop()
		return nil
	}
	for _, t := range k.tasks {
		if !t.started {
			k.startLocked(t)
		}
	}
	k.cur = k.ready.peek()
	k.emitLocked(Switch{Tick: k.now, To: k.cur, Reason: ReasonStart})
	k.cur.permit <- struct{}{}
	k.mu.Unlock()

	var err error
	select {
	case <-k.halt:
	case <-ctx.Done():
		err = ctx.Err()
		k.stop()
	}
	k.wg.Wait()
	return err
}

// Stop halts the kernel. Tasks exit at their next scheduling point.
func (k *Kernel) Stop() { k.stop() }

// Done is closed once the kernel halts.
func (k *Kernel) Done() <-chan struct{} { return k.halt }

func (k *Kernel) stop() {
	k.haltOnce.Do(func() { close(k.halt) })
}

func (k *Kernel) stopped() bool {
	select {
	case <-k.halt:
		return true
	default:
		return false
	}
}

// Burn consumes one tick of CPU on behalf of the running task. It is the
// only way simulated time moves: the tick is charged to the caller, expired
// delays and wait timeouts are processed, tick hooks run in interrupt
// context, and the caller is preempted if a more urgent task became ready.
func (k *Kernel) Burn() {
	if k.cfg.Ticks != nil {
		select {
		case <-k.cfg.Ticks:
		case <-k.halt:
			runtime.Goexit()
		}
	}

	k.mu.Lock()
	if k.stopped() {
		k.mu.Unlock()
		runtime.Goexit()
	}
	k.now++
	k.cur.runTicks++
	k.tickLocked()
	if k.horizon != 0 && !TickBefore(k.now, k.horizon) {
		k.stop()
		k.mu.Unlock()
		runtime.Goexit()
	}
	if len(k.hooks) == 0 {
		k.ReschedLocked()
		k.mu.Unlock()
		return
	}
	hooks := k.hooks
	now := k.now
	k.mu.Unlock()

	k.EnterISR()
	for _, fn := range hooks {
		fn(now)
	}
	k.ExitISR()

	k.mu.Lock()
	k.ReschedLocked()
	k.mu.Unlock()
}

// DelayUntil suspends the running task until the absolute tick at. A tick
// that is not in the future returns immediately.
func (k *Kernel) DelayUntil(at Tick) error {
	if err := k.blockable(); err != nil {
		return err
	}
	k.mu.Lock()
	if k.cur == nil {
		k.mu.Unlock()
		return ErrNoTask
	}
	k.delayLocked(at)
	k.mu.Unlock()
	return nil
}

// DelayFor suspends the running task for n ticks.
func (k *Kernel) DelayFor(n Tick) error {
	if err := k.blockable(); err != nil {
		return err
	}
	k.mu.Lock()
	if k.cur == nil {
		k.mu.Unlock()
		return ErrNoTask
	}
	k.delayLocked(k.now + n)
	k.mu.Unlock()
	return nil
}

func (k *Kernel) blockable() error {
	if k.InISR() {
		return ErrISR
	}
	if k.SchedulerLocked() {
		return ErrSchedLocked
	}
	return nil
}

// OnTick registers fn to run in interrupt context after every tick.
func (k *Kernel) OnTick(fn func(Tick)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hooks = append(k.hooks, fn)
}

// AddListener registers l for context-switch events.
func (k *Kernel) AddListener(l Listener) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, l)
}

// Tasks returns a snapshot of the task table.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]TaskInfo, 0, len(k.tasks))
	for _, t := range k.tasks {
		out = append(out, t.infoLocked())
	}
	return out
}
