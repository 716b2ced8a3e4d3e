// Package pcp implements the Priority Ceiling Protocol mutex.
//
// Each mutex carries a fixed ceiling priority that must be at least as
// urgent as every task that will ever take it. The owner runs at the ceiling
// for as long as it holds the mutex, so no task that could contend for the
// resource can preempt it and priority inversion stays bounded by one
// critical section.
package pcp

import (
	"errors"
	"fmt"

	"rtlab/kernel"
	"rtlab/rtos/proto"
)

// Unowned is the owner-priority sentinel of a free mutex. It lies outside
// the valid priority range.
const Unowned kernel.Priority = 0xFF

var (
	ErrNilMutex    = errors.New("pcp: nil mutex")
	ErrDeleted     = errors.New("pcp: mutex deleted")
	ErrCreateISR   = errors.New("pcp: create from interrupt context")
	ErrDeleteISR   = errors.New("pcp: delete from interrupt context")
	ErrPendISR     = errors.New("pcp: acquire from interrupt context")
	ErrPostISR     = errors.New("pcp: release from interrupt context")
	ErrPendLocked  = errors.New("pcp: acquire with scheduler locked")
	ErrNotOwner    = errors.New("pcp: caller does not own the mutex")
	ErrRecursive   = errors.New("pcp: caller already owns the mutex")
	ErrTimeout     = errors.New("pcp: acquire timed out")
	ErrAborted     = errors.New("pcp: acquire aborted")
	ErrTaskWaiting = errors.New("pcp: tasks waiting on the mutex")
	ErrInvalidOpt  = errors.New("pcp: invalid option")

	// ErrCeilingViolation is a warning: the caller's base priority is more
	// urgent than the ceiling. The mutex IS held when it is returned.
	ErrCeilingViolation = errors.New("pcp: caller priority above ceiling")
)

// Held reports whether an Acquire or TryAcquire result means the caller now
// owns the mutex.
func Held(err error) bool {
	return err == nil || errors.Is(err, ErrCeilingViolation)
}

// ConfigError reports a rejected ceiling.
type ConfigError struct {
	Ceiling kernel.Priority
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pcp: ceiling %d: %v", e.Ceiling, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Recorder receives one log line per grant and release.
type Recorder interface {
	Append(line string) bool
}

// Table binds ceiling mutexes to a kernel and tracks which mutexes each task
// holds. Its state is guarded by the kernel critical section.
type Table struct {
	k    *kernel.Kernel
	log  Recorder
	held map[*kernel.Task][]*Mutex
}

// NewTable returns a table for k. log may be nil.
func NewTable(k *kernel.Kernel, log Recorder) *Table {
	return &Table{k: k, log: log, held: make(map[*kernel.Task][]*Mutex)}
}

// Create reserves the ceiling's priority slot and returns a free mutex.
func (tb *Table) Create(ceiling kernel.Priority) (*Mutex, error) {
	if tb.k.InISR() {
		return nil, ErrCreateISR
	}
	if err := tb.k.ReservePriority(ceiling); err != nil {
		return nil, &ConfigError{Ceiling: ceiling, Err: err}
	}
	return &Mutex{
		tb:        tb,
		ceiling:   ceiling,
		ownerPrio: Unowned,
		waiters:   tb.k.NewWaitList(),
	}, nil
}

// Held returns the mutexes t currently owns, in acquisition order.
func (tb *Table) Held(t *kernel.Task) []*Mutex {
	tb.k.Lock()
	defer tb.k.Unlock()
	return append([]*Mutex(nil), tb.held[t]...)
}

func (tb *Table) record(line string) {
	if tb.log != nil {
		tb.log.Append(line)
	}
}

// restoreLocked drops t back to its base priority or to the most urgent
// ceiling it still holds, and returns the resulting priority.
func (tb *Table) restoreLocked(t *kernel.Task) kernel.Priority {
	p := t.BasePriority()
	for _, m := range tb.held[t] {
		if m.ceiling < p {
			p = m.ceiling
		}
	}
	tb.k.SetPriorityLocked(t, p)
	return p
}

func (tb *Table) dropLocked(t *kernel.Task, m *Mutex) {
	held := tb.held[t]
	for i, h := range held {
		if h == m {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(tb.held, t)
		return
	}
	tb.held[t] = held
}

// Mutex is a priority-ceiling mutex.
type Mutex struct {
	tb      *Table
	ceiling kernel.Priority

	owner     *kernel.Task
	ownerPrio kernel.Priority
	waiters   *kernel.WaitList
	deleted   bool
}

// Ceiling returns the mutex's ceiling priority.
func (m *Mutex) Ceiling() kernel.Priority { return m.ceiling }

// Name returns the resource name used in log lines.
func (m *Mutex) Name() string { return fmt.Sprintf("R%d", m.ceiling) }

// grantLocked makes t the owner and raises it to the ceiling.
func (m *Mutex) grantLocked(t *kernel.Task) error {
	before := t.Priority()
	m.owner = t
	m.ownerPrio = before
	m.tb.held[t] = append(m.tb.held[t], m)

	after := before
	if m.ceiling < before {
		after = m.ceiling
		m.tb.k.SetPriorityLocked(t, after)
	}
	m.tb.record(proto.FormatLock(uint64(m.tb.k.NowLocked()), uint8(m.ceiling), uint8(before), uint8(after)))
	if t.BasePriority() < m.ceiling {
		return ErrCeilingViolation
	}
	return nil
}

func (m *Mutex) check() error {
	if m == nil {
		return ErrNilMutex
	}
	return nil
}

// Acquire takes the mutex, waiting up to timeout ticks (0 waits forever)
// while another task owns it.
func (m *Mutex) Acquire(timeout kernel.Tick) error {
	if err := m.check(); err != nil {
		return err
	}
	k := m.tb.k
	if k.InISR() {
		return ErrPendISR
	}
	if k.SchedulerLocked() {
		return ErrPendLocked
	}

	k.Lock()
	if m.deleted {
		k.Unlock()
		return ErrDeleted
	}
	cur := k.CurrentLocked()
	if cur == nil {
		k.Unlock()
		return kernel.ErrNoTask
	}
	if m.owner == nil {
		err := m.grantLocked(cur)
		k.Unlock()
		return err
	}
	if m.owner == cur {
		k.Unlock()
		return ErrRecursive
	}

	var err error
	switch k.PendLocked(m.waiters, timeout) {
	case kernel.PendOK:
		// Release handed the mutex over before readying us.
		if cur.BasePriority() < m.ceiling {
			err = ErrCeilingViolation
		}
	case kernel.PendTimeout:
		err = ErrTimeout
	default:
		err = ErrAborted
	}
	k.Unlock()
	return err
}

// TryAcquire takes the mutex only if it is free. It never suspends.
func (m *Mutex) TryAcquire() (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	k := m.tb.k
	if k.InISR() {
		return false, ErrPendISR
	}

	k.Lock()
	defer k.Unlock()
	if m.deleted {
		return false, ErrDeleted
	}
	cur := k.CurrentLocked()
	if cur == nil {
		return false, kernel.ErrNoTask
	}
	if m.owner != nil {
		return false, nil
	}
	return true, m.grantLocked(cur)
}

// Release gives the mutex up, restores the caller's priority and hands the
// mutex to the most urgent waiter, which is raised to the ceiling before it
// runs.
func (m *Mutex) Release() error {
	if err := m.check(); err != nil {
		return err
	}
	k := m.tb.k
	if k.InISR() {
		return ErrPostISR
	}

	k.Lock()
	if m.deleted {
		k.Unlock()
		return ErrDeleted
	}
	cur := k.CurrentLocked()
	if cur == nil || m.owner != cur {
		k.Unlock()
		return ErrNotOwner
	}

	before := cur.Priority()
	m.tb.dropLocked(cur, m)
	after := m.tb.restoreLocked(cur)
	m.tb.record(proto.FormatUnlock(uint64(k.NowLocked()), uint8(m.ceiling), uint8(before), uint8(after)))
	m.owner = nil
	m.ownerPrio = Unowned

	if next := k.ReadyHighestLocked(m.waiters); next != nil {
		_ = m.grantLocked(next)
	}
	k.ReschedLocked()
	k.Unlock()
	return nil
}

// DeleteOption selects how Delete treats waiting tasks.
type DeleteOption uint8

const (
	// DeleteNoPend deletes only when no task waits.
	DeleteNoPend DeleteOption = iota
	// DeleteAlways aborts every waiter and restores the owner.
	DeleteAlways
)

// Delete retires the mutex and frees its ceiling slot.
func (m *Mutex) Delete(opt DeleteOption) error {
	if err := m.check(); err != nil {
		return err
	}
	k := m.tb.k
	if k.InISR() {
		return ErrDeleteISR
	}

	k.Lock()
	if m.deleted {
		k.Unlock()
		return ErrDeleted
	}
	aborted := 0
	switch opt {
	case DeleteNoPend:
		if m.waiters.Len() > 0 {
			k.Unlock()
			return ErrTaskWaiting
		}
	case DeleteAlways:
		aborted = k.AbortAllLocked(m.waiters)
	default:
		k.Unlock()
		return ErrInvalidOpt
	}
	if owner := m.owner; owner != nil {
		m.tb.dropLocked(owner, m)
		m.tb.restoreLocked(owner)
	}
	m.owner = nil
	m.ownerPrio = Unowned
	m.deleted = true
	k.ReleasePriorityLocked(m.ceiling)
	if aborted > 0 {
		k.ReschedLocked()
	}
	k.Unlock()
	return nil
}

// Info is a snapshot of a mutex.
type Info struct {
	Ceiling       kernel.Priority
	Available     bool
	Owner         string
	OwnerPriority kernel.Priority // priority before acquisition, Unowned when free
	Waiters       []kernel.TaskID // in wake order
}

// Query returns the mutex state.
func (m *Mutex) Query() (Info, error) {
	if err := m.check(); err != nil {
		return Info{}, err
	}
	k := m.tb.k
	k.Lock()
	defer k.Unlock()
	if m.deleted {
		return Info{}, ErrDeleted
	}
	info := Info{
		Ceiling:       m.ceiling,
		Available:     m.owner == nil,
		OwnerPriority: m.ownerPrio,
	}
	if m.owner != nil {
		info.Owner = m.owner.Name()
	}
	for _, t := range m.waiters.Tasks() {
		info.Waiters = append(info.Waiters, t.ID())
	}
	return info, nil
}
