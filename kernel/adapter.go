package kernel

// Adapter is the view of the kernel the scheduling core is written
// against: the clock, delays, one unit of compute and the running task's
// control block through accessors rather than through its layout.
type Adapter interface {
	Now() Tick
	DelayUntil(at Tick) error
	DelayFor(n Tick) error
	Burn()

	CurrentPriority() Priority
	SetCurrentPriority(p Priority)
	CurrentDeadline() Tick
	SetCurrentDeadline(d Tick)
}

var _ Adapter = (*Kernel)(nil)

// CurrentPriority returns the effective priority of the running task, or
// IdlePriority before the kernel runs.
func (k *Kernel) CurrentPriority() Priority {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cur == nil {
		return IdlePriority
	}
	return k.cur.prio
}

// SetCurrentPriority reorders the running task. A running task that lowered
// itself below a ready one is preempted at its next scheduling point.
func (k *Kernel) SetCurrentPriority(p Priority) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cur != nil {
		k.SetPriorityLocked(k.cur, p)
	}
}

func (k *Kernel) CurrentDeadline() Tick {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cur == nil {
		return 0
	}
	return k.cur.deadline
}

func (k *Kernel) SetCurrentDeadline(d Tick) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cur != nil {
		k.SetDeadlineLocked(k.cur, d)
	}
}
