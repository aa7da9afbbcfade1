package uds

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Routine is the verb implementation shared by the three
// RoutineControl subfunctions of one routine identifier.
type Routine interface {
	Start(connection *IncomingDiagConnection, options []byte) DiagReturnCode
	Stop(connection *IncomingDiagConnection, options []byte) DiagReturnCode
	RequestResults(connection *IncomingDiagConnection, options []byte) DiagReturnCode
}

// RoutineControlJob couples a routine identifier with its
// implementation and the start/stop sequence state.
type RoutineControlJob struct {
	mu            sync.Mutex
	identifier    uint16
	routine       Routine
	sessionMask   SessionMask
	sequenceCheck bool
	started       bool
}

func NewRoutineControlJob(identifier uint16, routine Routine, sessionMask SessionMask) *RoutineControlJob {
	return &RoutineControlJob{
		identifier:    identifier,
		routine:       routine,
		sessionMask:   sessionMask,
		sequenceCheck: true,
	}
}

// WithoutSequenceCheck disables the start before stop/results
// enforcement for this routine.
func (job *RoutineControlJob) WithoutSequenceCheck() *RoutineControlJob {
	job.sequenceCheck = false
	return job
}

// NewRoutineControl builds the 0x31 service tree: three sibling
// subfunction nodes for start, stop and request results, each
// keyed additionally on the 16 bit routine identifier.
func NewRoutineControl(routines ...*RoutineControlJob) *Job {
	root := NewJob("routineControl", []byte{0x31}, RequestLengthVariable, ElevatedSessionMask).
		WithDefaultCode(IsoSubfunctionNotSupported)
	start := NewJob("startRoutine", []byte{0x31, 0x01}, RequestLengthVariable, ElevatedSessionMask).
		WithDefaultCode(IsoRequestOutOfRange)
	stop := NewJob("stopRoutine", []byte{0x31, 0x02}, RequestLengthVariable, ElevatedSessionMask).
		WithDefaultCode(IsoRequestOutOfRange)
	results := NewJob("requestRoutineResults", []byte{0x31, 0x03}, RequestLengthVariable, ElevatedSessionMask).
		WithDefaultCode(IsoRequestOutOfRange)
	root.AddChild(start)
	root.AddChild(stop)
	root.AddChild(results)

	for _, routine := range routines {
		start.AddChild(routine.node(0x01))
		stop.AddChild(routine.node(0x02))
		results.AddChild(routine.node(0x03))
	}
	return root
}

func (job *RoutineControlJob) node(subfunction uint8) *Job {
	prefix := []byte{0x31, subfunction, byte(job.identifier >> 8), byte(job.identifier)}
	return NewJob("routine", prefix, RequestLengthVariable, job.sessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, options []byte) DiagReturnCode {
			return job.dispatch(subfunction, connection, options)
		}))
}

func (job *RoutineControlJob) dispatch(subfunction uint8, connection *IncomingDiagConnection, options []byte) DiagReturnCode {
	job.mu.Lock()
	defer job.mu.Unlock()
	switch subfunction {
	case 0x01:
		code := job.routine.Start(connection, options)
		if code == CodeOK {
			job.started = true
		}
		return code
	case 0x02:
		if job.sequenceCheck && !job.started {
			log.Debugf("[UDS] stop of routine %04x without start", job.identifier)
			return IsoRequestSequenceError
		}
		code := job.routine.Stop(connection, options)
		if code == CodeOK {
			job.started = false
		}
		return code
	case 0x03:
		if job.sequenceCheck && !job.started {
			return IsoRequestSequenceError
		}
		return job.routine.RequestResults(connection, options)
	}
	return IsoSubfunctionNotSupported
}
