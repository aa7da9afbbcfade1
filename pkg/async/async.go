package async

import "time"

// A context identifies one cooperative execution queue. Runnables
// posted to the same context are executed serially in FIFO order,
// never reentrant. Posting is allowed from any goroutine, including
// interrupt style callbacks.
type ContextType uint8

// Sentinel for "no particular context". Components returning this
// from GetTransitionContext run inside the caller's own context.
const ContextInvalid ContextType = 0xFF

type Runnable interface {
	Execute()
}

// Adapter to use plain functions as runnables
type RunnableFunc func()

func (f RunnableFunc) Execute() { f() }

// Handle to a scheduled runnable. Cancel returns true if the
// runnable had not yet been queued for execution.
type TimeoutHandle interface {
	Cancel() bool
}

// Executor dispatches runnables into cooperative contexts.
type Executor interface {
	// Post a runnable for execution in the given context
	Execute(context ContextType, runnable Runnable)
	// Post a runnable after the given delay
	Schedule(context ContextType, runnable Runnable, delay time.Duration) TimeoutHandle
	// Post a runnable periodically
	ScheduleAtFixedRate(context ContextType, runnable Runnable, period time.Duration) TimeoutHandle
}
