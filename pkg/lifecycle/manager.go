package lifecycle

import (
	"fmt"
	"sync"

	"ecudiag/pkg/async"

	log "github.com/sirupsen/logrus"
)

// Per component bookkeeping of the manager
type ComponentInfo struct {
	Name                string
	Component           Component
	TransitionTimes     [transitionCount]uint32
	IsTransitionPending bool
	LastTransition      Transition
}

type transitionExecutor struct {
	manager   *Manager
	component Component
	index     int
	kind      Transition
	pending   bool
}

func (executor *transitionExecutor) Execute() {
	executor.component.StartTransition(executor.kind)
}

// Manager sequences registered components through init, run and
// shutdown transitions across numbered runlevels. All components of
// one level transition concurrently, each in its nominated context;
// the manager advances once every one of them reported done.
type Manager struct {
	mu sync.Mutex

	executor          async.Executor
	transitionContext async.ContextType
	getTimestamp      func() uint32

	componentInfos []ComponentInfo
	levelIndices   []int
	executors      []*transitionExecutor
	listeners      []Listener

	transitionStartTimestamp uint32
	transition               Transition
	transitionLevel          uint8
	levelCount               uint8
	initLevelCount           uint8
	currentLevel             uint8
	nextLevel                uint8
}

// NewManager creates a lifecycle manager with static capacities.
// Violating a capacity during registration panics: registration is
// configuration and runs at init time only.
func NewManager(
	executor async.Executor,
	transitionContext async.ContextType,
	getTimestamp func() uint32,
	maxComponents int,
	maxLevels int,
) *Manager {
	return &Manager{
		executor:          executor,
		transitionContext: transitionContext,
		getTimestamp:      getTimestamp,
		componentInfos:    make([]ComponentInfo, 0, maxComponents),
		levelIndices:      make([]int, 1, maxLevels+1),
	}
}

// AddComponent registers a component at the given runlevel.
// Components must be added in non decreasing level order.
func (manager *Manager) AddComponent(name string, component Component, level uint8) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if len(manager.componentInfos) == cap(manager.componentInfos) {
		panic("lifecycle: component capacity exceeded")
	}
	if level == 0 || int(level) >= cap(manager.levelIndices) {
		panic(fmt.Sprintf("lifecycle: level %v out of range", level))
	}
	if level < manager.levelCount {
		panic(fmt.Sprintf("lifecycle: component %v added below current level %v", name, manager.levelCount))
	}
	for manager.levelCount < level {
		manager.levelCount++
		manager.levelIndices = append(manager.levelIndices, manager.levelIndices[manager.levelCount-1])
	}
	manager.componentInfos = append(manager.componentInfos, ComponentInfo{
		Name:      name,
		Component: component,
	})
	manager.levelIndices[manager.levelCount]++
	component.InitCallback(manager)
}

func (manager *Manager) ComponentCount() int {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return len(manager.componentInfos)
}

func (manager *Manager) ComponentInfo(index int) ComponentInfo {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.componentInfos[index]
}

func (manager *Manager) LevelCount() uint8 {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.levelCount
}

func (manager *Manager) CurrentLevel() uint8 {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.currentLevel
}

// TransitionToLevel drives the manager towards the target level.
// The actual work happens in the manager's transition context.
func (manager *Manager) TransitionToLevel(level uint8) {
	manager.mu.Lock()
	if level > manager.levelCount {
		level = manager.levelCount
	}
	manager.nextLevel = level
	manager.mu.Unlock()
	manager.executor.Execute(manager.transitionContext, async.RunnableFunc(manager.step))
}

func (manager *Manager) AddListener(listener Listener) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.listeners = append(manager.listeners, listener)
}

func (manager *Manager) RemoveListener(listener Listener) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	for i, registered := range manager.listeners {
		if registered == listener {
			manager.listeners = append(manager.listeners[:i], manager.listeners[i+1:]...)
			return
		}
	}
}

// TransitionDone implements ComponentCallback; components report
// the end of their transition here, from any context.
func (manager *Manager) TransitionDone(component Component) {
	manager.mu.Lock()
	for _, executor := range manager.executors {
		if executor.component != component || !executor.pending {
			continue
		}
		executor.pending = false
		info := &manager.componentInfos[executor.index]
		info.IsTransitionPending = false
		info.TransitionTimes[executor.kind] = manager.getTimestamp() - manager.transitionStartTimestamp
		log.Debugf("[LIFECYCLE] %v %v done", executor.kind, info.Name)
		manager.mu.Unlock()
		manager.executor.Execute(manager.transitionContext, async.RunnableFunc(manager.step))
		return
	}
	manager.mu.Unlock()
}

// step is the transition driver, always executed in the manager's
// transition context.
func (manager *Manager) step() {
	manager.mu.Lock()
	if !manager.levelTransitionDone() {
		manager.mu.Unlock()
		return
	}
	if manager.currentLevel == manager.nextLevel && manager.initLevelCount >= manager.nextLevel {
		manager.mu.Unlock()
		return
	}
	if manager.nextLevel < manager.currentLevel {
		manager.transitionLevel = manager.currentLevel
		manager.currentLevel--
		manager.transition = TransitionShutdown
	} else if manager.initLevelCount < manager.nextLevel && manager.initLevelCount == manager.currentLevel {
		manager.initLevelCount++
		manager.transitionLevel = manager.initLevelCount
		manager.transition = TransitionInit
	} else {
		manager.currentLevel++
		manager.transitionLevel = manager.currentLevel
		manager.transition = TransitionRun
	}
	manager.transitionStartTimestamp = manager.getTimestamp()
	log.Infof("[LIFECYCLE] %v level %v", manager.transition, manager.transitionLevel)

	first := manager.levelIndices[manager.transitionLevel-1]
	last := manager.levelIndices[manager.transitionLevel]
	manager.executors = manager.executors[:0]
	type dispatch struct {
		context  async.ContextType
		executor *transitionExecutor
	}
	var dispatches []dispatch
	for index := first; index < last; index++ {
		info := &manager.componentInfos[index]
		executor := &transitionExecutor{
			manager:   manager,
			component: info.Component,
			index:     index,
			kind:      manager.transition,
			pending:   true,
		}
		manager.executors = append(manager.executors, executor)
		info.IsTransitionPending = true
		info.LastTransition = manager.transition
		context := info.Component.GetTransitionContext(manager.transition)
		if context == async.ContextInvalid {
			context = manager.transitionContext
		}
		log.Infof("[LIFECYCLE] %v %v", manager.transition, info.Name)
		dispatches = append(dispatches, dispatch{context, executor})
	}
	manager.mu.Unlock()

	if len(dispatches) == 0 {
		manager.executor.Execute(manager.transitionContext, async.RunnableFunc(manager.step))
		return
	}
	for _, d := range dispatches {
		manager.executor.Execute(d.context, d.executor)
	}
}

// levelTransitionDone checks whether the running level wide
// transition completed and, if so, notifies listeners. Caller
// holds the lock.
func (manager *Manager) levelTransitionDone() bool {
	for _, executor := range manager.executors {
		if executor.pending {
			return false
		}
	}
	if len(manager.executors) > 0 {
		manager.executors = manager.executors[:0]
		transition := manager.transition
		level := manager.transitionLevel
		if transition == TransitionShutdown {
			level = manager.currentLevel
		}
		// Init is internal staging, listeners only see run and
		// shutdown completions
		if transition != TransitionInit {
			listeners := append([]Listener(nil), manager.listeners...)
			manager.mu.Unlock()
			for _, listener := range listeners {
				listener.LifecycleLevelReached(level, transition)
			}
			manager.mu.Lock()
		}
	}
	return true
}
