package async

import (
	"sync"
	"time"

	"ecudiag/pkg/timer"

	log "github.com/sirupsen/logrus"
)

const defaultQueueDepth = 64

// SerialExecutor runs one goroutine per context, each draining a
// FIFO queue. This models the cooperative task scheduling of small
// RTOS targets: strict ordering inside a context, no ordering
// between contexts. Delayed runnables live in an ordered timeout
// list driven by a single timer goroutine.
type SerialExecutor struct {
	queues   []chan Runnable
	timers   *timer.Manager
	start    time.Time
	wakeup   chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

func NewSerialExecutor(contextCount uint8) *SerialExecutor {
	executor := &SerialExecutor{
		queues: make([]chan Runnable, contextCount),
		timers: timer.NewManager(),
		start:  time.Now(),
		wakeup: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	for i := range executor.queues {
		queue := make(chan Runnable, defaultQueueDepth)
		executor.queues[i] = queue
		executor.wg.Add(1)
		go executor.drain(queue)
	}
	executor.wg.Add(1)
	go executor.timerLoop()
	return executor
}

func (executor *SerialExecutor) nowUs() uint32 {
	return uint32(time.Since(executor.start).Microseconds())
}

func (executor *SerialExecutor) drain(queue chan Runnable) {
	defer executor.wg.Done()
	for runnable := range queue {
		// nil is the shutdown sentinel
		if runnable == nil {
			return
		}
		runnable.Execute()
	}
}

// timerLoop sleeps until the next deadline and fires expired
// timeouts. A poke on wakeup re-evaluates the head of the list.
func (executor *SerialExecutor) timerLoop() {
	defer executor.wg.Done()
	for {
		var wait <-chan time.Time
		if delta, ok := executor.timers.GetNextDelta(executor.nowUs()); ok {
			wait = time.After(time.Duration(delta) * time.Microsecond)
		}
		select {
		case <-executor.quit:
			return
		case <-executor.wakeup:
		case <-wait:
		}
		for executor.timers.ProcessNextTimeout(executor.nowUs()) {
		}
	}
}

func (executor *SerialExecutor) poke() {
	select {
	case executor.wakeup <- struct{}{}:
	default:
	}
}

func (executor *SerialExecutor) Execute(context ContextType, runnable Runnable) {
	if int(context) >= len(executor.queues) {
		log.Warnf("[ASYNC] execute on unknown context %v", context)
		return
	}
	executor.mu.Lock()
	shutdown := executor.shutdown
	executor.mu.Unlock()
	if shutdown {
		return
	}
	// The queue is never closed, so a racing shutdown cannot turn
	// this send into a panic; the sentinel ends the drain instead.
	executor.queues[context] <- runnable
}

func (executor *SerialExecutor) Schedule(context ContextType, runnable Runnable, delay time.Duration) TimeoutHandle {
	scheduled := &scheduledRunnable{executor: executor, timeout: &timer.Timeout{}}
	executor.timers.Set(scheduled.timeout, func() {
		executor.Execute(context, runnable)
	}, uint32(delay.Microseconds()), executor.nowUs())
	executor.poke()
	return scheduled
}

func (executor *SerialExecutor) ScheduleAtFixedRate(context ContextType, runnable Runnable, period time.Duration) TimeoutHandle {
	scheduled := &scheduledRunnable{executor: executor, timeout: &timer.Timeout{}}
	executor.timers.SetCyclic(scheduled.timeout, func() {
		executor.Execute(context, runnable)
	}, uint32(period.Microseconds()), executor.nowUs())
	executor.poke()
	return scheduled
}

// Shutdown stops accepting work, cancels outstanding schedules and
// joins all goroutines after the queues drained.
func (executor *SerialExecutor) Shutdown() {
	executor.mu.Lock()
	if executor.shutdown {
		executor.mu.Unlock()
		return
	}
	executor.shutdown = true
	executor.mu.Unlock()

	close(executor.quit)
	for _, queue := range executor.queues {
		queue <- nil
	}
	executor.wg.Wait()
}

type scheduledRunnable struct {
	executor *SerialExecutor
	timeout  *timer.Timeout
}

// Cancel returns true when the runnable had not been queued yet
func (scheduled *scheduledRunnable) Cancel() bool {
	return scheduled.executor.timers.Cancel(scheduled.timeout)
}
