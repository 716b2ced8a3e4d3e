package kernel

import "testing"

func TestAdapterAccessors(t *testing.T) {
	k := newKernel(t, Config{Ordering: OrderDeadline})
	if p := k.CurrentPriority(); p != IdlePriority {
		t.Fatalf("CurrentPriority() before Run = %d, want %d", p, IdlePriority)
	}

	var (
		prio     Priority
		deadline Tick
	)
	task := spawn(t, k, "A", 5, func(*Task) {
		var a Adapter = k
		a.SetCurrentDeadline(9)
		a.SetCurrentPriority(3)
		prio, deadline = a.CurrentPriority(), a.CurrentDeadline()
		_ = a.DelayFor(100)
	})
	run(t, k, 5)

	if prio != 3 || deadline != 9 {
		t.Fatalf("accessors = %d, %d, want 3, 9", prio, deadline)
	}
	if task.Priority() != 3 || task.BasePriority() != 5 || task.Deadline() != 9 {
		t.Fatalf("task = %v, want priority 3 base 5 deadline 9", task)
	}
}
