package lifecycle

import (
	"sync"
	"testing"
	"time"

	"ecudiag/pkg/async"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (log *eventLog) add(event string) {
	log.mu.Lock()
	defer log.mu.Unlock()
	log.events = append(log.events, event)
}

func (log *eventLog) snapshot() []string {
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]string(nil), log.events...)
}

func (log *eventLog) count(event string) int {
	count := 0
	for _, recorded := range log.snapshot() {
		if recorded == event {
			count++
		}
	}
	return count
}

type testComponent struct {
	ComponentBase
	name string
	log  *eventLog
}

func newTestComponent(name string, log *eventLog, context async.ContextType) *testComponent {
	component := &testComponent{ComponentBase: NewComponentBase(), name: name, log: log}
	component.SetTransitionContext(TransitionInit, context)
	component.SetTransitionContext(TransitionRun, context)
	component.SetTransitionContext(TransitionShutdown, context)
	return component
}

func (component *testComponent) StartTransition(transition Transition) {
	component.log.add(component.name + "." + transition.String())
	component.TransitionDone(component)
}

type levelRecorder struct {
	mu      sync.Mutex
	reached []string
	signal  chan struct{}
}

func newLevelRecorder() *levelRecorder {
	return &levelRecorder{signal: make(chan struct{}, 16)}
}

func (recorder *levelRecorder) LifecycleLevelReached(level uint8, transition Transition) {
	recorder.mu.Lock()
	recorder.reached = append(recorder.reached, transition.String())
	recorder.mu.Unlock()
	recorder.signal <- struct{}{}
}

func (recorder *levelRecorder) await(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-recorder.signal:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for level transition")
		}
	}
}

type managerFixture struct {
	executor *async.SerialExecutor
	manager  *Manager
	log      *eventLog
	recorder *levelRecorder
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	fixture := &managerFixture{
		executor: async.NewSerialExecutor(4),
		log:      &eventLog{},
		recorder: newLevelRecorder(),
	}
	t.Cleanup(fixture.executor.Shutdown)
	now := time.Now()
	fixture.manager = NewManager(fixture.executor, 0, func() uint32 {
		return uint32(time.Since(now).Milliseconds())
	}, 8, 4)
	fixture.manager.AddListener(fixture.recorder)
	return fixture
}

// Components transition level by level; init precedes run,
// shutdown walks downward, re-running a level does not re-init.
func TestLifecycleUpAndDown(t *testing.T) {
	fixture := newManagerFixture(t)
	componentA := newTestComponent("A", fixture.log, 1)
	componentB := newTestComponent("B", fixture.log, 2)
	componentC := newTestComponent("C", fixture.log, 3)
	fixture.manager.AddComponent("A", componentA, 1)
	fixture.manager.AddComponent("B", componentB, 1)
	fixture.manager.AddComponent("C", componentC, 2)

	fixture.manager.TransitionToLevel(2)
	fixture.recorder.await(t, 2) // run level 1, run level 2
	assert.Equal(t, uint8(2), fixture.manager.CurrentLevel())

	events := fixture.log.snapshot()
	require.Len(t, events, 6)
	// A and B init in parallel contexts before either runs
	assert.ElementsMatch(t, []string{"A.init", "B.init"}, events[0:2])
	assert.ElementsMatch(t, []string{"A.run", "B.run"}, events[2:4])
	assert.Equal(t, []string{"C.init", "C.run"}, events[4:6])

	// Down to level 1 shuts down only level 2
	fixture.manager.TransitionToLevel(1)
	fixture.recorder.await(t, 1)
	assert.Equal(t, "C.shutdown", fixture.log.snapshot()[6])
	assert.Equal(t, uint8(1), fixture.manager.CurrentLevel())

	// Up again : C runs without a second init
	fixture.manager.TransitionToLevel(2)
	fixture.recorder.await(t, 1)
	events = fixture.log.snapshot()
	assert.Equal(t, "C.run", events[len(events)-1])
	assert.Equal(t, 1, fixture.log.count("C.init"))

	// All the way down
	fixture.manager.TransitionToLevel(0)
	fixture.recorder.await(t, 2)
	events = fixture.log.snapshot()
	assert.Equal(t, "C.shutdown", events[len(events)-3])
	assert.ElementsMatch(t, []string{"A.shutdown", "B.shutdown"}, events[len(events)-2:])
	assert.Equal(t, uint8(0), fixture.manager.CurrentLevel())
}

func TestLifecycleListenerTransitions(t *testing.T) {
	fixture := newManagerFixture(t)
	fixture.manager.AddComponent("A", newTestComponent("A", fixture.log, 1), 1)

	fixture.manager.TransitionToLevel(1)
	fixture.recorder.await(t, 1)
	fixture.manager.TransitionToLevel(0)
	fixture.recorder.await(t, 1)

	fixture.recorder.mu.Lock()
	defer fixture.recorder.mu.Unlock()
	// Init is internal staging, listeners see run and shutdown only
	assert.Equal(t, []string{"run", "shutdown"}, fixture.recorder.reached)
}

// Transitioning to the current level is a no-op.
func TestLifecycleIdempotence(t *testing.T) {
	fixture := newManagerFixture(t)
	fixture.manager.AddComponent("A", newTestComponent("A", fixture.log, 1), 1)

	fixture.manager.TransitionToLevel(1)
	fixture.recorder.await(t, 1)
	countAfterFirst := len(fixture.log.snapshot())

	fixture.manager.TransitionToLevel(1)
	// Give a potential spurious transition time to surface
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fixture.log.snapshot(), countAfterFirst)
}

// Init happens at most once per component.
func TestLifecycleInitAtMostOnce(t *testing.T) {
	fixture := newManagerFixture(t)
	fixture.manager.AddComponent("A", newTestComponent("A", fixture.log, 1), 1)

	for i := 0; i < 3; i++ {
		fixture.manager.TransitionToLevel(1)
		fixture.recorder.await(t, 1)
		fixture.manager.TransitionToLevel(0)
		fixture.recorder.await(t, 1)
	}
	assert.Equal(t, 1, fixture.log.count("A.init"))
	assert.Equal(t, 3, fixture.log.count("A.run"))
	assert.Equal(t, 3, fixture.log.count("A.shutdown"))
}

func TestAddComponentAsserts(t *testing.T) {
	fixture := newManagerFixture(t)
	fixture.manager.AddComponent("B", newTestComponent("B", fixture.log, 1), 2)

	assert.Panics(t, func() {
		fixture.manager.AddComponent("A", newTestComponent("A", fixture.log, 1), 1)
	}, "adding below the current level must assert")

	assert.Panics(t, func() {
		fixture.manager.AddComponent("Z", newTestComponent("Z", fixture.log, 1), 0)
	}, "level zero is reserved")
}

func TestTransitionTimesRecorded(t *testing.T) {
	fixture := newManagerFixture(t)
	fixture.manager.AddComponent("A", newTestComponent("A", fixture.log, 1), 1)
	fixture.manager.TransitionToLevel(1)
	fixture.recorder.await(t, 1)

	info := fixture.manager.ComponentInfo(0)
	assert.Equal(t, "A", info.Name)
	assert.False(t, info.IsTransitionPending)
	assert.Equal(t, TransitionRun, info.LastTransition)
}
