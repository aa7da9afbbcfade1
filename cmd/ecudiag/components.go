package main

import (
	"sync"
	"time"

	"ecudiag/pkg/async"
	"ecudiag/pkg/docan"
	"ecudiag/pkg/lifecycle"
	"ecudiag/pkg/uds"

	log "github.com/sirupsen/logrus"
)

const cyclicTaskPeriod = 10 * time.Millisecond

// transportComponent brings the transport layer container up and
// down and owns the 10ms cyclic task.
type transportComponent struct {
	lifecycle.ComponentBase
	container    *docan.TransportLayerContainer
	executor     *async.SerialExecutor
	cyclicHandle async.TimeoutHandle
	shutdownDone chan struct{}
}

func newTransportComponent(container *docan.TransportLayerContainer, executor *async.SerialExecutor) *transportComponent {
	component := &transportComponent{
		ComponentBase: lifecycle.NewComponentBase(),
		container:     container,
		executor:      executor,
		shutdownDone:  make(chan struct{}),
	}
	component.SetTransitionContext(lifecycle.TransitionInit, contextTransport)
	component.SetTransitionContext(lifecycle.TransitionRun, contextTransport)
	component.SetTransitionContext(lifecycle.TransitionShutdown, contextTransport)
	return component
}

func (component *transportComponent) StartTransition(transition lifecycle.Transition) {
	switch transition {
	case lifecycle.TransitionInit:
		if err := component.container.Init(); err != nil {
			log.Errorf("transport init failed : %v", err)
		}
	case lifecycle.TransitionRun:
		component.cyclicHandle = component.executor.ScheduleAtFixedRate(
			contextTransport,
			async.RunnableFunc(func() { component.container.CyclicTask(nowUs()) }),
			cyclicTaskPeriod,
		)
	case lifecycle.TransitionShutdown:
		if component.cyclicHandle != nil {
			component.cyclicHandle.Cancel()
		}
		component.container.Shutdown(func() { close(component.shutdownDone) })
	}
	component.TransitionDone(component)
}

// WaitShutdown blocks until the transport shutdown barrier fired
func (component *transportComponent) WaitShutdown() {
	select {
	case <-component.shutdownDone:
	case <-time.After(2 * time.Second):
		log.Warn("transport shutdown timed out")
	}
}

// udsComponent restores the persisted session on init
type udsComponent struct {
	lifecycle.ComponentBase
	sessionManager *uds.DiagnosticSessionControl
}

func newUdsComponent(sessionManager *uds.DiagnosticSessionControl) *udsComponent {
	component := &udsComponent{
		ComponentBase:  lifecycle.NewComponentBase(),
		sessionManager: sessionManager,
	}
	component.SetTransitionContext(lifecycle.TransitionInit, contextUds)
	component.SetTransitionContext(lifecycle.TransitionRun, contextUds)
	component.SetTransitionContext(lifecycle.TransitionShutdown, contextUds)
	return component
}

func (component *udsComponent) StartTransition(transition lifecycle.Transition) {
	switch transition {
	case lifecycle.TransitionInit:
		component.sessionManager.Init()
	case lifecycle.TransitionShutdown:
		component.sessionManager.StopSessionTimeout()
	}
	component.TransitionDone(component)
}

// udsLifecycleConnector maps diagnostic shutdown requests onto the
// lifecycle manager. A real target would reset the MCU once level
// zero is reached.
type udsLifecycleConnector struct {
	mu      sync.Mutex
	manager *lifecycle.Manager
	pending bool
}

func (connector *udsLifecycleConnector) RequestShutdown(shutdownType uds.ShutdownType, timeBudgetMs uint32) bool {
	connector.mu.Lock()
	if connector.pending {
		connector.mu.Unlock()
		return false
	}
	connector.pending = true
	connector.mu.Unlock()
	log.Infof("[UDS] shutdown type %v requested, budget %vms", shutdownType, timeBudgetMs)
	connector.manager.TransitionToLevel(0)
	return true
}

func (connector *udsLifecycleConnector) IsModeChangePossible() bool {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	return !connector.pending
}

// tickGenerator bridges the transport layer's pacing requests onto
// a fine grained timer. It keeps ticking until the layer reports
// that pacing is no longer needed.
type tickGenerator struct {
	mu       sync.Mutex
	executor *async.SerialExecutor
	layer    *docan.TransportLayer
	active   bool
}

func newTickGenerator(executor *async.SerialExecutor) *tickGenerator {
	return &tickGenerator{executor: executor}
}

func (generator *tickGenerator) TickNeeded() {
	generator.mu.Lock()
	if generator.active {
		generator.mu.Unlock()
		return
	}
	generator.active = true
	generator.mu.Unlock()
	generator.arm()
}

func (generator *tickGenerator) arm() {
	generator.executor.Schedule(contextTransport, async.RunnableFunc(generator.tick), 500*time.Microsecond)
}

func (generator *tickGenerator) tick() {
	if generator.layer.Tick(nowUs()) {
		generator.arm()
		return
	}
	generator.mu.Lock()
	generator.active = false
	generator.mu.Unlock()
}
