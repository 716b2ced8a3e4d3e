package kernel

import "runtime/debug"

// PanicInfo contains details about a recovered task panic.
type PanicInfo struct {
	TaskID TaskID
	Name   string
	Value  any
	Stack  []byte
}

// InPanicMode reports whether a task panic halted the kernel.
func (k *Kernel) InPanicMode() bool {
	return k.panicked.Load()
}

// SetPanicHandler installs the handler for task panics.
//
// The handler is invoked at most once (on the first panic), from the
// panicking task's goroutine. It must not panic. The kernel halts after it
// returns.
func (k *Kernel) SetPanicHandler(fn func(PanicInfo)) {
	k.panicHandler.Store(fn)
}

func (k *Kernel) triggerPanic(info PanicInfo) {
	k.panicOnce.Do(func() {
		k.panicked.Store(true)
		info.Stack = debug.Stack()
		if v := k.panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
	k.stop()
}
