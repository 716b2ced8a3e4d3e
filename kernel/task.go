package kernel

import "fmt"

// TaskID identifies a task. ID 0 is the idle task.
type TaskID uint8

// State is the scheduling state of a task.
type State uint8

const (
	StateReady State = iota
	StateDelayed
	StatePending
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDelayed:
		return "delayed"
	case StatePending:
		return "pending"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Task is a kernel task control block.
//
// Accessors read the block without locking: call them from the task itself
// or from inside the critical section.
type Task struct {
	k     *Kernel
	id    TaskID
	name  string
	entry func(*Task)

	base     Priority
	prio     Priority
	deadline Tick

	state   State
	started bool
	seq     uint64

	wake  Tick
	timed bool

	pend       *WaitList
	pendStatus PendStatus

	readyIndex int
	waitIndex  int

	permit   chan struct{}
	runTicks uint64
}

func (t *Task) ID() TaskID         { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Kernel() *Kernel    { return t.k }
func (t *Task) State() State       { return t.state }
func (t *Task) RunTicks() uint64   { return t.runTicks }
func (t *Task) Deadline() Tick     { return t.deadline }
func (t *Task) Priority() Priority { return t.prio }

// BasePriority is the priority the task was created with.
func (t *Task) BasePriority() Priority { return t.base }

func (t *Task) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.name
}

// TaskInfo is a copy of a task's scheduling fields.
type TaskInfo struct {
	ID           TaskID
	Name         string
	Priority     Priority
	BasePriority Priority
	Deadline     Tick
	State        State
	RunTicks     uint64
}

func (t *Task) infoLocked() TaskInfo {
	return TaskInfo{
		ID:           t.id,
		Name:         t.name,
		Priority:     t.prio,
		BasePriority: t.base,
		Deadline:     t.deadline,
		State:        t.state,
		RunTicks:     t.runTicks,
	}
}

// SetPriorityLocked changes a task's effective priority and repositions it
// in the ready list and in any wait list it sits on. The change is visible
// to the next scheduling decision; callers that may have made a more urgent
// task eligible call ReschedLocked.
func (k *Kernel) SetPriorityLocked(t *Task, p Priority) {
	if t.prio == p {
		return
	}
	t.prio = p
	k.ready.fix(t)
	if t.pend != nil {
		t.pend.q.fix(t)
	}
}

// ReorderTask is SetPriorityLocked for callers outside the critical section.
// It takes effect at the next scheduling point.
func (k *Kernel) ReorderTask(t *Task, p Priority) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.SetPriorityLocked(t, p)
}

// SetDeadline sets a task's absolute deadline, used for ranking under
// OrderDeadline.
func (k *Kernel) SetDeadline(t *Task, d Tick) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.SetDeadlineLocked(t, d)
}

// SetDeadlineLocked is SetDeadline inside the critical section.
func (k *Kernel) SetDeadlineLocked(t *Task, d Tick) {
	if t.deadline == d {
		return
	}
	t.deadline = d
	k.ready.fix(t)
	if t.pend != nil {
		t.pend.q.fix(t)
	}
}

// before ranks a ahead of b in the ready list and in wait lists.
func (k *Kernel) before(a, b *Task) bool {
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	if k.cfg.Ordering == OrderDeadline && a.deadline != b.deadline {
		return TickBefore(a.deadline, b.deadline)
	}
	return a.seq < b.seq
}

func (k *Kernel) makeReadyLocked(t *Task) {
	t.state = StateReady
	t.timed = false
	k.seq++
	t.seq = k.seq
	k.ready.push(t)
}
