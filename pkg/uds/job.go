package uds

import (
	"bytes"
	"fmt"
)

// Marker for jobs accepting any request length behind their prefix
const RequestLengthVariable = -1

// Outcome of sending a diagnostic response
type ResponseSendResult uint8

const (
	ResponseSentOK ResponseSendResult = iota
	ResponseSendFailed
)

// Per job authentication policy. A nil authenticator accepts
// everything.
type Authenticator interface {
	IsAuthenticated(connection *IncomingDiagConnection) bool
	NotAuthenticatedCode() DiagReturnCode
}

// Handler performs the work of a leaf job. The request slice starts
// behind the job's prefix; the positive response is prepared in the
// connection and sent by the dispatcher on CodeOK.
type Handler interface {
	Process(connection *IncomingDiagConnection, request []byte) DiagReturnCode
}

type HandlerFunc func(connection *IncomingDiagConnection, request []byte) DiagReturnCode

func (f HandlerFunc) Process(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	return f(connection, request)
}

// Optional hook for post send cleanup, implemented by handlers that
// need to observe the response leaving the wire.
type ResponseListener interface {
	ResponseSent(connection *IncomingDiagConnection, result ResponseSendResult)
}

// A node of the diagnostic job tree. Jobs are keyed by the first
// bytes of the request; leaves carry a handler, inner nodes a child
// list tried in order. Policy concerns are composed in as small
// values rather than layered through inheritance.
type Job struct {
	name                 string
	prefix               []byte
	requestPayloadLength int
	sessionMask          SessionMask
	authenticator        Authenticator
	handler              Handler
	children             []*Job
	defaultCode          DiagReturnCode
	allowSuppress        bool
	longRunning          bool
}

func NewJob(name string, prefix []byte, requestPayloadLength int, sessionMask SessionMask) *Job {
	if len(prefix) == 0 || len(prefix) > 4 {
		panic(fmt.Sprintf("job %v with prefix length %v", name, len(prefix)))
	}
	return &Job{
		name:                 name,
		prefix:               prefix,
		requestPayloadLength: requestPayloadLength,
		sessionMask:          sessionMask,
		defaultCode:          IsoSubfunctionNotSupported,
	}
}

func (job *Job) Name() string { return job.name }

func (job *Job) Prefix() []byte { return job.prefix }

func (job *Job) ServiceID() uint8 { return job.prefix[0] }

func (job *Job) WithHandler(handler Handler) *Job {
	job.handler = handler
	return job
}

func (job *Job) WithAuthenticator(authenticator Authenticator) *Job {
	job.authenticator = authenticator
	return job
}

// WithDefaultCode sets the code returned when no child was
// responsible for the request.
func (job *Job) WithDefaultCode(code DiagReturnCode) *Job {
	job.defaultCode = code
	return job
}

// WithSuppressPositiveResponse lets the service honour bit 7 of its
// subfunction byte.
func (job *Job) WithSuppressPositiveResponse() *Job {
	job.allowSuppress = true
	return job
}

// WithResponsePending declares the job long running; the session
// manager forces a response pending message before processing.
func (job *Job) WithResponsePending() *Job {
	job.longRunning = true
	return job
}

func (job *Job) AddChild(child *Job) *Job {
	if !bytes.HasPrefix(child.prefix, job.prefix) {
		panic(fmt.Sprintf("child job %v does not extend prefix of %v", child.name, job.name))
	}
	job.children = append(job.children, child)
	return job
}

// verify runs the request against the job's policies: prefix match,
// length, session mask and authentication, in that order.
func (job *Job) verify(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	if len(request) < len(job.prefix) || !bytes.Equal(request[:len(job.prefix)], job.prefix) {
		return CodeNotResponsible
	}
	if job.requestPayloadLength != RequestLengthVariable &&
		len(request) != len(job.prefix)+job.requestPayloadLength {
		return IsoInvalidFormat
	}
	if !job.sessionMask.Contains(connection.Session()) {
		return IsoSubfunctionNotSupportedInActiveSession
	}
	if job.authenticator != nil && !job.authenticator.IsAuthenticated(connection) {
		return job.authenticator.NotAuthenticatedCode()
	}
	return CodeOK
}

// Execute walks the job subtree for the request. Inner nodes try
// each child until one claims responsibility; leaves run their
// handler after the session manager accepted the job.
func (job *Job) Execute(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	code := job.verify(connection, request)
	if code != CodeOK {
		return code
	}
	if len(job.children) > 0 {
		for _, child := range job.children {
			if code := child.Execute(connection, request); code != CodeNotResponsible {
				return code
			}
		}
		return job.defaultCode
	}
	connection.job = job
	if manager := connection.sessionManager; manager != nil {
		code = manager.AcceptedJob(connection, job, request)
		if code == IsoResponsePending {
			connection.SendResponsePending()
			code = CodeOK
		}
		if code != CodeOK {
			return code
		}
	}
	if job.handler == nil {
		return IsoConditionsNotCorrect
	}
	return job.handler.Process(connection, request[len(job.prefix):])
}

func (job *Job) responseSent(connection *IncomingDiagConnection, result ResponseSendResult) {
	if listener, ok := job.handler.(ResponseListener); ok {
		listener.ResponseSent(connection, result)
	}
}
