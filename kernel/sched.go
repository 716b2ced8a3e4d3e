package kernel

import (
	"fmt"
	"runtime"
)

// SwitchReason tells why the CPU changed hands.
type SwitchReason uint8

const (
	ReasonStart SwitchReason = iota
	ReasonPreempt
	ReasonDelay
	ReasonBlock
	ReasonExit
)

func (r SwitchReason) String() string {
	switch r {
	case ReasonStart:
		return "start"
	case ReasonPreempt:
		return "preempt"
	case ReasonDelay:
		return "sleep"
	case ReasonBlock:
		return "block"
	case ReasonExit:
		return "exit"
	default:
		return fmt.Sprintf("SwitchReason(%d)", uint8(r))
	}
}

// Switch describes one context switch. From is nil for the first dispatch.
type Switch struct {
	Tick   Tick
	From   *Task
	To     *Task
	Reason SwitchReason
}

// Listener observes context switches. It runs inside the critical section
// and must not call back into the kernel.
type Listener func(Switch)

func (k *Kernel) emitLocked(ev Switch) {
	for _, l := range k.listeners {
		l(ev)
	}
}

// ReschedLocked hands the CPU to the most urgent ready task if it is not the
// running one. Nothing happens while the scheduler is locked or an interrupt
// handler runs; the switch is picked up at the next scheduling point.
func (k *Kernel) ReschedLocked() {
	if !k.running || k.lockNest.Load() > 0 || k.isr.Load() > 0 {
		return
	}
	next := k.ready.peek()
	if next == nil || next == k.cur {
		return
	}
	k.switchLocked(next, ReasonPreempt)
}

// switchLocked passes the permit to next and parks the caller until it is
// dispatched again. The critical section is released while parked.
func (k *Kernel) switchLocked(next *Task, reason SwitchReason) {
	prev := k.cur
	k.cur = next
	k.switches++
	k.emitLocked(Switch{Tick: k.now, From: prev, To: next, Reason: reason})
	next.permit <- struct{}{}
	k.mu.Unlock()
	k.waitPermit(prev)
	k.mu.Lock()
}

func (k *Kernel) waitPermit(t *Task) {
	select {
	case <-t.permit:
	case <-k.halt:
		runtime.Goexit()
	}
}

func (k *Kernel) delayLocked(at Tick) {
	if !TickBefore(k.now, at) {
		return
	}
	t := k.cur
	k.ready.remove(t)
	t.state = StateDelayed
	t.wake = at
	t.timed = true
	k.switchLocked(k.ready.peek(), ReasonDelay)
}

// tickLocked readies delayed tasks whose wake tick has come and times out
// expired waits. Tasks due on the same tick become ready in creation order.
func (k *Kernel) tickLocked() {
	for _, t := range k.tasks {
		if !t.timed || TickBefore(k.now, t.wake) {
			continue
		}
		switch t.state {
		case StateDelayed:
			k.makeReadyLocked(t)
		case StatePending:
			t.pend.q.remove(t)
			t.pend = nil
			t.pendStatus = PendTimeout
			k.makeReadyLocked(t)
		}
	}
}

// PendStatus is the outcome of a wait.
type PendStatus uint8

const (
	PendOK PendStatus = iota
	PendTimeout
	PendAbort
)

func (s PendStatus) String() string {
	switch s {
	case PendOK:
		return "ok"
	case PendTimeout:
		return "timeout"
	case PendAbort:
		return "abort"
	default:
		return fmt.Sprintf("PendStatus(%d)", uint8(s))
	}
}

// PendLocked blocks the running task on wl until it is readied by
// ReadyHighestLocked or AbortAllLocked, or until timeout ticks pass
// (0 waits forever). The critical section is held again on return.
func (k *Kernel) PendLocked(wl *WaitList, timeout Tick) PendStatus {
	t := k.cur
	k.ready.remove(t)
	t.state = StatePending
	t.pend = wl
	t.pendStatus = PendOK
	t.timed = timeout > 0
	if t.timed {
		t.wake = k.now + timeout
	}
	wl.q.push(t)
	k.switchLocked(k.ready.peek(), ReasonBlock)
	return t.pendStatus
}

// ReadyHighestLocked removes the most urgent waiter from wl and makes it
// ready with PendOK. It returns nil when wl is empty. The caller decides
// when to reschedule.
func (k *Kernel) ReadyHighestLocked(wl *WaitList) *Task {
	t := wl.q.pop()
	if t == nil {
		return nil
	}
	t.pend = nil
	t.pendStatus = PendOK
	k.makeReadyLocked(t)
	return t
}

// AbortAllLocked readies every waiter on wl with PendAbort and returns how
// many there were.
func (k *Kernel) AbortAllLocked(wl *WaitList) int {
	n := 0
	for t := wl.q.pop(); t != nil; t = wl.q.pop() {
		t.pend = nil
		t.pendStatus = PendAbort
		k.makeReadyLocked(t)
		n++
	}
	return n
}

func (k *Kernel) startLocked(t *Task) {
	t.started = true
	k.wg.Add(1)
	go k.runTask(t)
}

func (k *Kernel) runTask(t *Task) {
	defer k.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			k.triggerPanic(PanicInfo{TaskID: t.id, Name: t.name, Value: r})
		}
	}()

	k.waitPermit(t)
	t.entry(t)

	k.mu.Lock()
	k.exitLocked(t)
	k.mu.Unlock()
}

// exitLocked retires a task whose entry returned and dispatches the next one
// without parking: the goroutine ends right after.
func (k *Kernel) exitLocked(t *Task) {
	k.ready.remove(t)
	t.state = StateDead
	next := k.ready.peek()
	k.cur = next
	k.switches++
	k.emitLocked(Switch{Tick: k.now, From: t, To: next, Reason: ReasonExit})
	next.permit <- struct{}{}
}
