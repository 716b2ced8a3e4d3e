package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	return k
}

func spawn(t *testing.T, k *Kernel, name string, prio Priority, fn func(*Task)) *Task {
	t.Helper()
	task, err := k.CreateTask(name, prio, fn)
	if err != nil {
		t.Fatalf("CreateTask(%q) err = %v", name, err)
	}
	return task
}

func run(t *testing.T, k *Kernel, until Tick) {
	t.Helper()
	if err := k.Run(context.Background(), until); err != nil {
		t.Fatalf("Run() err = %v", err)
	}
}

func TestTickBeforeWraps(t *testing.T) {
	if !TickBefore(1, 2) || TickBefore(2, 1) || TickBefore(3, 3) {
		t.Fatalf("TickBefore() ordering is wrong")
	}
	if !TickBefore(^Tick(0), 0) {
		t.Fatalf("TickBefore(max, 0) = false, want true")
	}
}

func TestHorizonStopsRun(t *testing.T) {
	k := newKernel(t, Config{})
	run(t, k, 10)
	if now := k.Now(); now != 10 {
		t.Fatalf("Now() = %d, want 10", now)
	}
	if err := k.Run(context.Background(), 20); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Run() err = %v, want ErrStarted", err)
	}
	if idle := k.Idle(); idle.RunTicks() != 10 {
		t.Fatalf("idle RunTicks() = %d, want 10", idle.RunTicks())
	}
}

func TestRunHonorsContext(t *testing.T) {
	k := newKernel(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := k.Run(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() err = %v, want DeadlineExceeded", err)
	}
	select {
	case <-k.Done():
	default:
		t.Fatalf("Done() not closed after Run returned")
	}
}

func TestPreemptOnWake(t *testing.T) {
	k := newKernel(t, Config{})
	var woke Tick
	high := spawn(t, k, "H", 2, func(*Task) {
		_ = k.DelayFor(3)
		woke = k.Now()
	})
	low := spawn(t, k, "L", 5, func(*Task) {
		for {
			k.Burn()
		}
	})

	var preempts []Switch
	k.AddListener(func(s Switch) {
		if s.Reason == ReasonPreempt {
			preempts = append(preempts, s)
		}
	})
	run(t, k, 6)

	if woke != 3 {
		t.Fatalf("H woke at %d, want 3", woke)
	}
	if len(preempts) != 1 || preempts[0].From != low || preempts[0].To != high || preempts[0].Tick != 3 {
		t.Fatalf("preempts = %+v, want L -> H at 3", preempts)
	}
	if high.State() != StateDead {
		t.Fatalf("H State() = %s, want dead", high.State())
	}
	if low.RunTicks() != 6 {
		t.Fatalf("L RunTicks() = %d, want 6", low.RunTicks())
	}
}

func TestEqualPrioritiesRunFIFO(t *testing.T) {
	k := newKernel(t, Config{})
	var order []string
	body := func(task *Task) {
		order = append(order, task.Name())
		_ = k.DelayFor(2)
		order = append(order, task.Name())
	}
	spawn(t, k, "A", 5, body)
	spawn(t, k, "B", 5, body)
	run(t, k, 5)

	want := []string{"A", "B", "A", "B"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBurnDoesNotYieldToEqualPriority(t *testing.T) {
	k := newKernel(t, Config{})
	var order []string
	spawn(t, k, "A", 5, func(*Task) {
		k.Burn()
		k.Burn()
		order = append(order, "A")
	})
	spawn(t, k, "B", 5, func(*Task) {
		order = append(order, "B")
	})
	run(t, k, 5)

	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("order = %v, want [A B]", order)
	}
}

func TestDelayUntilPastReturns(t *testing.T) {
	k := newKernel(t, Config{})
	var err error
	var now Tick
	spawn(t, k, "T", 5, func(*Task) {
		k.Burn()
		err = k.DelayUntil(1)
		now = k.Now()
	})
	run(t, k, 4)
	if err != nil || now != 1 {
		t.Fatalf("DelayUntil(past) = %v at %d, want nil at 1", err, now)
	}
}

func TestDelayOutsideTask(t *testing.T) {
	k := newKernel(t, Config{})
	if err := k.DelayFor(1); !errors.Is(err, ErrNoTask) {
		t.Fatalf("DelayFor() before Run err = %v, want ErrNoTask", err)
	}
}

func TestForbiddenContexts(t *testing.T) {
	k := newKernel(t, Config{})
	var locked, isr, create error
	spawn(t, k, "T", 5, func(*Task) {
		k.LockScheduler()
		locked = k.DelayFor(1)
		k.UnlockScheduler()

		k.EnterISR()
		isr = k.DelayFor(1)
		_, create = k.CreateTask("X", 6, func(*Task) {})
		k.ExitISR()
	})
	run(t, k, 2)

	if !errors.Is(locked, ErrSchedLocked) {
		t.Fatalf("DelayFor() under LockScheduler err = %v, want ErrSchedLocked", locked)
	}
	if !errors.Is(isr, ErrISR) {
		t.Fatalf("DelayFor() in ISR err = %v, want ErrISR", isr)
	}
	if !errors.Is(create, ErrISR) {
		t.Fatalf("CreateTask() in ISR err = %v, want ErrISR", create)
	}
}

func TestSchedulerLockDefersPreemption(t *testing.T) {
	k := newKernel(t, Config{})
	var ranAt Tick
	spawn(t, k, "H", 2, func(*Task) {
		_ = k.DelayFor(1)
		ranAt = k.Now()
	})
	spawn(t, k, "L", 5, func(*Task) {
		k.LockScheduler()
		k.Burn()
		k.Burn()
		k.Burn()
		k.UnlockScheduler()
		for {
			k.Burn()
		}
	})
	run(t, k, 6)

	if ranAt != 3 {
		t.Fatalf("H ran at %d, want 3", ranAt)
	}
}

func TestDeadlineOrdering(t *testing.T) {
	k := newKernel(t, Config{Ordering: OrderDeadline})
	var order []string
	body := func(task *Task) { order = append(order, task.Name()) }
	late := spawn(t, k, "late", 4, body)
	early := spawn(t, k, "early", 4, body)
	k.SetDeadline(late, 10)
	k.SetDeadline(early, 5)
	urgent := spawn(t, k, "urgent", 3, body)
	k.SetDeadline(urgent, 50)
	run(t, k, 2)

	want := []string{"urgent", "early", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestReorderTask(t *testing.T) {
	k := newKernel(t, Config{})
	var order []string
	body := func(task *Task) { order = append(order, task.Name()) }
	spawn(t, k, "A", 5, body)
	b := spawn(t, k, "B", 6, body)
	k.ReorderTask(b, 2)
	if b.Priority() != 2 || b.BasePriority() != 6 {
		t.Fatalf("Priority() = %d base %d, want 2 base 6", b.Priority(), b.BasePriority())
	}
	run(t, k, 2)
	if order[0] != "B" {
		t.Fatalf("order = %v, want B first", order)
	}
}

func TestPendTimeout(t *testing.T) {
	k := newKernel(t, Config{})
	wl := k.NewWaitList()
	var st PendStatus
	var at Tick
	spawn(t, k, "W", 3, func(*Task) {
		k.Lock()
		st = k.PendLocked(wl, 4)
		at = k.NowLocked()
		k.Unlock()
	})
	run(t, k, 10)

	if st != PendTimeout || at != 4 {
		t.Fatalf("PendLocked() = %s at %d, want timeout at 4", st, at)
	}
	k.Lock()
	n := wl.Len()
	k.Unlock()
	if n != 0 {
		t.Fatalf("wait list Len() = %d, want 0", n)
	}
}

func TestReadyHighestAndAbort(t *testing.T) {
	k := newKernel(t, Config{})
	wl := k.NewWaitList()
	status := map[string]PendStatus{}
	waiter := func(task *Task) {
		k.Lock()
		st := k.PendLocked(wl, 0)
		k.Unlock()
		status[task.Name()] = st
	}
	spawn(t, k, "W4", 4, waiter)
	spawn(t, k, "W2", 2, waiter)

	var first *Task
	var aborted, left int
	spawn(t, k, "S", 6, func(*Task) {
		k.Lock()
		first = k.ReadyHighestLocked(wl)
		k.ReschedLocked()
		left = wl.Len()
		aborted = k.AbortAllLocked(wl)
		k.ReschedLocked()
		k.Unlock()
	})
	run(t, k, 3)

	if first == nil || first.Name() != "W2" {
		t.Fatalf("ReadyHighestLocked() = %v, want W2", first)
	}
	if left != 1 || aborted != 1 {
		t.Fatalf("left = %d aborted = %d, want 1 and 1", left, aborted)
	}
	if status["W2"] != PendOK || status["W4"] != PendAbort {
		t.Fatalf("status = %v, want W2 ok and W4 abort", status)
	}
}

func TestOnTickRunsInISR(t *testing.T) {
	k := newKernel(t, Config{})
	var ticks []Tick
	inISR := true
	k.OnTick(func(now Tick) {
		ticks = append(ticks, now)
		inISR = inISR && k.InISR()
	})
	run(t, k, 4)
	if len(ticks) != 3 || ticks[0] != 1 || ticks[2] != 3 {
		t.Fatalf("hook ticks = %v, want [1 2 3]", ticks)
	}
	if !inISR {
		t.Fatalf("hook ran outside interrupt context")
	}
	if k.InISR() {
		t.Fatalf("InISR() = true after Run")
	}
}

func TestPanicHaltsKernel(t *testing.T) {
	k := newKernel(t, Config{})
	var got PanicInfo
	calls := 0
	k.SetPanicHandler(func(info PanicInfo) {
		calls++
		got = info
	})
	spawn(t, k, "boom", 5, func(*Task) {
		k.Burn()
		panic("bad state")
	})
	run(t, k, 0)

	if calls != 1 || got.Name != "boom" || got.Value != "bad state" {
		t.Fatalf("panic info = %+v after %d calls", got, calls)
	}
	if len(got.Stack) == 0 {
		t.Fatalf("panic info has no stack")
	}
	if !k.InPanicMode() {
		t.Fatalf("InPanicMode() = false, want true")
	}
}

func TestPrioritySlots(t *testing.T) {
	k := newKernel(t, Config{Reserved: []Priority{7}})
	spawn(t, k, "A", 5, func(*Task) {})
	spawn(t, k, "B", 5, func(*Task) {})
	if _, err := k.CreateTask("C", IdlePriority, func(*Task) {}); !errors.Is(err, ErrPriorityInvalid) {
		t.Fatalf("CreateTask(idle) err = %v, want ErrPriorityInvalid", err)
	}
	if _, err := k.CreateTask("D", 4, nil); !errors.Is(err, ErrNilEntry) {
		t.Fatalf("CreateTask(nil) err = %v, want ErrNilEntry", err)
	}
	if err := k.ReservePriority(7); !errors.Is(err, ErrPriorityExists) {
		t.Fatalf("ReservePriority(7) err = %v, want ErrPriorityExists", err)
	}
	if err := k.ReservePriority(5); err != nil {
		t.Fatalf("ReservePriority(5) err = %v, want nil without exclusive slots", err)
	}

	ex := newKernel(t, Config{ExclusivePriorities: true, Reserved: []Priority{7}})
	spawn(t, ex, "A", 5, func(*Task) {})
	if _, err := ex.CreateTask("B", 5, func(*Task) {}); !errors.Is(err, ErrPriorityExists) {
		t.Fatalf("CreateTask(dup) err = %v, want ErrPriorityExists", err)
	}
	if _, err := ex.CreateTask("C", 7, func(*Task) {}); !errors.Is(err, ErrPriorityExists) {
		t.Fatalf("CreateTask(reserved) err = %v, want ErrPriorityExists", err)
	}
	if err := ex.ReservePriority(5); !errors.Is(err, ErrPriorityExists) {
		t.Fatalf("ReservePriority(5) err = %v, want ErrPriorityExists", err)
	}

	if _, err := New(Config{Reserved: []Priority{IdlePriority}}); !errors.Is(err, ErrPriorityInvalid) {
		t.Fatalf("New(reserve idle) err = %v, want ErrPriorityInvalid", err)
	}
}

func TestTasksSnapshot(t *testing.T) {
	k := newKernel(t, Config{})
	spawn(t, k, "T1", 4, func(*Task) { _ = k.DelayFor(100) })
	run(t, k, 3)

	infos := k.Tasks()
	if len(infos) != 2 {
		t.Fatalf("Tasks() = %d entries, want 2", len(infos))
	}
	if infos[0].Name != "idle" || infos[0].Priority != IdlePriority {
		t.Fatalf("Tasks()[0] = %+v, want idle", infos[0])
	}
	if infos[1].Name != "T1" || infos[1].State != StateDelayed {
		t.Fatalf("Tasks()[1] = %+v, want delayed T1", infos[1])
	}
}
