package uds

import (
	"sync"
	"time"

	"ecudiag/pkg/async"

	log "github.com/sirupsen/logrus"
)

// Session persistence back end. The implementation reports results
// back through SessionRead and SessionWritten.
type SessionPersistence interface {
	ReadSession(manager *DiagnosticSessionControl)
	WriteSession(manager *DiagnosticSessionControl, session byte)
}

// S3 tester present timeout and the extended variant used around
// programming session transitions.
const (
	SessionTimeoutMs         = 5000
	ExtendedSessionTimeoutMs = 10000
)

// DiagnosticSessionControl implements UDS service 0x10 and the
// session manager responsibilities shared across services: session
// state, S3 supervision and persistence across resets.
type DiagnosticSessionControl struct {
	mu          sync.Mutex
	executor    async.Executor
	context     async.ContextType
	connector   LifecycleConnector
	persistence SessionPersistence
	dispatcher  *Dispatcher

	session            Session
	listeners          []SessionChangedListener
	timeoutHandle      async.TimeoutHandle
	timeoutActive      bool
	requestProgramming bool
	shutdownRequested  bool
}

func NewDiagnosticSessionControl(
	executor async.Executor,
	context async.ContextType,
	connector LifecycleConnector,
	persistence SessionPersistence,
) *DiagnosticSessionControl {
	return &DiagnosticSessionControl{
		executor:    executor,
		context:     context,
		connector:   connector,
		persistence: persistence,
		session:     SessionApplicationDefault,
	}
}

// SetDispatcher wires the dispatcher that is disabled when a
// session change requires a reset.
func (manager *DiagnosticSessionControl) SetDispatcher(dispatcher *Dispatcher) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.dispatcher = dispatcher
}

// Init restores the persisted session
func (manager *DiagnosticSessionControl) Init() {
	if manager.persistence != nil {
		manager.persistence.ReadSession(manager)
	}
}

// Service builds the 0x10 job tree. The session switch policy is
// expressed through the children's session masks: programming may
// only be entered from an elevated session.
func (manager *DiagnosticSessionControl) Service() *Job {
	root := NewJob("diagnosticSessionControl", []byte{0x10}, RequestLengthVariable, AllSessionMask).
		WithDefaultCode(IsoSubfunctionNotSupported).
		WithSuppressPositiveResponse()
	root.AddChild(NewJob("defaultSession", []byte{0x10, 0x01}, 0, AllSessionMask).
		WithHandler(HandlerFunc(manager.processDefaultSession)))
	root.AddChild(NewJob("programmingSession", []byte{0x10, 0x02}, 0, ElevatedSessionMask).
		WithHandler(HandlerFunc(manager.processProgrammingSession)))
	root.AddChild(NewJob("extendedSession", []byte{0x10, 0x03}, 0, AllSessionMask).
		WithHandler(HandlerFunc(manager.processExtendedSession)))
	return root
}

func appendSessionTimings(connection *IncomingDiagConnection) {
	connection.Response.AppendUint16(DefaultP2TimeMs)
	connection.Response.AppendUint16(DefaultP2StarTime10s)
}

func (manager *DiagnosticSessionControl) processDefaultSession(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	appendSessionTimings(connection)
	manager.switchSession(SessionApplicationDefault)
	return CodeOK
}

func (manager *DiagnosticSessionControl) processExtendedSession(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	appendSessionTimings(connection)
	manager.switchSession(SessionApplicationExtended)
	return CodeOK
}

// processProgrammingSession answers positively; the actual
// transition is deferred until the response left the wire.
func (manager *DiagnosticSessionControl) processProgrammingSession(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	if manager.connector != nil && !manager.connector.IsModeChangePossible() {
		return IsoConditionsNotCorrect
	}
	appendSessionTimings(connection)
	manager.mu.Lock()
	manager.requestProgramming = true
	manager.mu.Unlock()
	return CodeOK
}

func (manager *DiagnosticSessionControl) switchSession(session Session) {
	manager.mu.Lock()
	previous := manager.session
	manager.session = session
	listeners := append([]SessionChangedListener(nil), manager.listeners...)
	manager.mu.Unlock()

	if previous != session {
		log.Infof("[SESSION] %v -> %v", previous, session)
		for _, listener := range listeners {
			listener.DiagSessionChanged(session)
		}
	}
	if session == SessionApplicationDefault {
		manager.StopSessionTimeout()
	} else {
		manager.StartSessionTimeout()
	}
}

// ActiveSession implements SessionManager
func (manager *DiagnosticSessionControl) ActiveSession() Session {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.session
}

// AcceptedJob forces a response pending message for jobs declared
// long running.
func (manager *DiagnosticSessionControl) AcceptedJob(connection *IncomingDiagConnection, job *Job, request []byte) DiagReturnCode {
	if job.longRunning {
		return IsoResponsePending
	}
	return CodeOK
}

// ResponseSent re-arms the session timeout after every final
// response and performs the deferred programming transition.
func (manager *DiagnosticSessionControl) ResponseSent(connection *IncomingDiagConnection, result DiagReturnCode, response []byte) {
	if result == IsoResponsePending {
		return
	}
	manager.mu.Lock()
	programming := manager.requestProgramming
	manager.requestProgramming = false
	manager.mu.Unlock()

	if programming && result == CodeOK {
		manager.enterProgrammingSession()
		return
	}
	if manager.ActiveSession() != SessionApplicationDefault {
		manager.StartSessionTimeout()
	}
}

// enterProgrammingSession disables the dispatcher, persists the
// session and asks for a hard reset once the write is acknowledged.
func (manager *DiagnosticSessionControl) enterProgrammingSession() {
	manager.mu.Lock()
	dispatcher := manager.dispatcher
	manager.mu.Unlock()

	if dispatcher != nil {
		dispatcher.Disable()
	}
	manager.setSessionTimeout(ExtendedSessionTimeoutMs)
	manager.switchSessionKeepTimeout(SessionProgramming)
	if manager.persistence != nil {
		manager.persistence.WriteSession(manager, PersistedProgramming)
		return
	}
	manager.SessionWritten(true)
}

// switchSessionKeepTimeout changes the session without touching the
// timeout, used around the programming transition where the
// extended timeout is already armed.
func (manager *DiagnosticSessionControl) switchSessionKeepTimeout(session Session) {
	manager.mu.Lock()
	previous := manager.session
	manager.session = session
	listeners := append([]SessionChangedListener(nil), manager.listeners...)
	manager.mu.Unlock()
	if previous != session {
		log.Infof("[SESSION] %v -> %v", previous, session)
		for _, listener := range listeners {
			listener.DiagSessionChanged(session)
		}
	}
}

// SessionRead is the callback of the persistence layer after Init.
func (manager *DiagnosticSessionControl) SessionRead(session byte) {
	restored, valid := SessionFromPersistence(session)
	if !valid {
		log.Debugf("[SESSION] no persisted session (0x%02x), starting in DEFAULT", session)
		return
	}
	if restored == SessionProgramming {
		// A persisted programming session belongs to the boot
		// loader; hand control back through a reset.
		log.Infof("[SESSION] programming session persisted, requesting reset")
		if manager.connector != nil {
			manager.connector.RequestShutdown(ShutdownHardReset, ResetTimeMs)
		}
		return
	}
	log.Debugf("[SESSION] persisted %v found, starting in DEFAULT", restored)
}

// SessionWritten is the callback of the persistence layer after a
// write triggered by the programming transition.
func (manager *DiagnosticSessionControl) SessionWritten(successful bool) {
	if !successful {
		log.Warn("[SESSION] session persistence write failed")
	}
	manager.mu.Lock()
	if manager.shutdownRequested {
		manager.mu.Unlock()
		return
	}
	manager.shutdownRequested = true
	manager.mu.Unlock()
	if manager.connector != nil {
		manager.connector.RequestShutdown(ShutdownHardReset, ResetTimeMs)
	}
}

// StartSessionTimeout arms the S3 supervision
func (manager *DiagnosticSessionControl) StartSessionTimeout() {
	manager.setSessionTimeout(SessionTimeoutMs)
}

func (manager *DiagnosticSessionControl) setSessionTimeout(timeoutMs uint32) {
	manager.mu.Lock()
	if manager.timeoutHandle != nil {
		manager.timeoutHandle.Cancel()
	}
	manager.timeoutActive = true
	manager.timeoutHandle = manager.executor.Schedule(
		manager.context,
		async.RunnableFunc(manager.sessionTimeoutExpired),
		time.Duration(timeoutMs)*time.Millisecond,
	)
	manager.mu.Unlock()
}

func (manager *DiagnosticSessionControl) StopSessionTimeout() {
	manager.mu.Lock()
	if manager.timeoutHandle != nil {
		manager.timeoutHandle.Cancel()
		manager.timeoutHandle = nil
	}
	manager.timeoutActive = false
	manager.mu.Unlock()
}

func (manager *DiagnosticSessionControl) IsSessionTimeoutActive() bool {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.timeoutActive
}

func (manager *DiagnosticSessionControl) sessionTimeoutExpired() {
	manager.mu.Lock()
	manager.timeoutActive = false
	manager.mu.Unlock()
	log.Infof("[SESSION] tester present timeout, falling back to DEFAULT")
	manager.ResetToDefaultSession()
}

// ResetToDefaultSession implements SessionManager
func (manager *DiagnosticSessionControl) ResetToDefaultSession() {
	manager.switchSession(SessionApplicationDefault)
}

func (manager *DiagnosticSessionControl) AddListener(listener SessionChangedListener) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.listeners = append(manager.listeners, listener)
}

func (manager *DiagnosticSessionControl) RemoveListener(listener SessionChangedListener) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	for i, registered := range manager.listeners {
		if registered == listener {
			manager.listeners = append(manager.listeners[:i], manager.listeners[i+1:]...)
			return
		}
	}
}
