package lifecycle

import (
	"sync"

	"ecudiag/pkg/async"
)

// Transition kinds driven by the manager
type Transition uint8

const (
	TransitionInit Transition = iota
	TransitionRun
	TransitionShutdown
	transitionCount
)

func (transition Transition) String() string {
	switch transition {
	case TransitionInit:
		return "init"
	case TransitionRun:
		return "run"
	case TransitionShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Callback handed to every component at registration; the component
// reports the end of each transition through it.
type ComponentCallback interface {
	TransitionDone(component Component)
}

// A managed lifecycle component. StartTransition is invoked in the
// context nominated by GetTransitionContext and must call back
// TransitionDone exactly once per transition, synchronously or
// later.
type Component interface {
	InitCallback(callback ComponentCallback)
	GetTransitionContext(transition Transition) async.ContextType
	StartTransition(transition Transition)
}

// Notified when a level completed a run or shutdown transition
type Listener interface {
	LifecycleLevelReached(level uint8, transition Transition)
}

// ComponentBase carries the callback plumbing shared by component
// implementations; embed it and call TransitionDone when finished.
type ComponentBase struct {
	mu       sync.Mutex
	callback ComponentCallback
	contexts [transitionCount]async.ContextType
}

func NewComponentBase() ComponentBase {
	base := ComponentBase{}
	for i := range base.contexts {
		base.contexts[i] = async.ContextInvalid
	}
	return base
}

func (base *ComponentBase) InitCallback(callback ComponentCallback) {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.callback = callback
}

// SetTransitionContext nominates the context a transition runs in
func (base *ComponentBase) SetTransitionContext(transition Transition, context async.ContextType) {
	base.contexts[transition] = context
}

func (base *ComponentBase) GetTransitionContext(transition Transition) async.ContextType {
	return base.contexts[transition]
}

// TransitionDone reports transition completion to the manager
func (base *ComponentBase) TransitionDone(component Component) {
	base.mu.Lock()
	callback := base.callback
	base.mu.Unlock()
	if callback != nil {
		callback.TransitionDone(component)
	}
}
