package uds

import (
	"bytes"
	"sync"

	"ecudiag/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Session manager contract used by the dispatcher and the job tree.
type SessionManager interface {
	ActiveSession() Session
	// AcceptedJob may override processing, e.g. to force a response
	// pending message for long running jobs.
	AcceptedJob(connection *IncomingDiagConnection, job *Job, request []byte) DiagReturnCode
	// ResponseSent is notified for every final response.
	ResponseSent(connection *IncomingDiagConnection, result DiagReturnCode, response []byte)
	StartSessionTimeout()
	StopSessionTimeout()
	IsSessionTimeoutActive() bool
	ResetToDefaultSession()
	AddListener(listener SessionChangedListener)
	RemoveListener(listener SessionChangedListener)
}

type SessionChangedListener interface {
	DiagSessionChanged(session Session)
}

type processedListenerFunc func(message *transport.Message, result transport.ProcessingResult)

func (f processedListenerFunc) TransportMessageProcessed(message *transport.Message, result transport.ProcessingResult) {
	f(message, result)
}

// Dispatcher routes incoming diagnostic messages through the job
// tree and sends the responses. It implements
// transport.MessageListener for the transport layer of its bus.
type Dispatcher struct {
	mu             sync.Mutex
	busID          uint8
	sender         transport.Layer
	sessionManager SessionManager
	responsePool   *transport.MessagePool
	services       []*Job
	enabled        bool
}

func NewDispatcher(busID uint8, sender transport.Layer, sessionManager SessionManager, responsePool *transport.MessagePool) *Dispatcher {
	return &Dispatcher{
		busID:          busID,
		sender:         sender,
		sessionManager: sessionManager,
		responsePool:   responsePool,
		enabled:        true,
	}
}

// AddService registers a service root job, keyed by its service id
func (dispatcher *Dispatcher) AddService(job *Job) {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.services = append(dispatcher.services, job)
}

// Disable stops acceptance of new requests, used around session
// transitions that end in a reset.
func (dispatcher *Dispatcher) Disable() {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.enabled = false
}

func (dispatcher *Dispatcher) Enable() {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.enabled = true
}

func (dispatcher *Dispatcher) IsEnabled() bool {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	return dispatcher.enabled
}

// MessageReceived implements transport.MessageListener
func (dispatcher *Dispatcher) MessageReceived(busID uint8, message *transport.Message, notify transport.MessageProcessedListener) {
	if !dispatcher.IsEnabled() {
		log.Warnf("[UDS] dispatcher disabled, dropping request from %x", message.SourceID())
		if notify != nil {
			notify.TransportMessageProcessed(message, transport.ProcessedError)
		}
		return
	}
	request := message.Payload()
	if len(request) == 0 {
		if notify != nil {
			notify.TransportMessageProcessed(message, transport.ProcessedError)
		}
		return
	}

	connection := &IncomingDiagConnection{
		dispatcher:     dispatcher,
		sourceID:       message.SourceID(),
		targetID:       message.TargetID(),
		serviceID:      request[0],
		requestMessage: message,
		requestNotify:  notify,
		sessionManager: dispatcher.sessionManager,
	}

	responseMessage, code := dispatcher.responsePool.GetTransportMessage(dispatcher.busID, message.TargetID(), message.SourceID(), 0)
	if code != transport.GetMessageOK {
		log.Warnf("[UDS] no response buffer, dropping request %02x", request[0])
		if notify != nil {
			notify.TransportMessageProcessed(message, transport.ProcessedError)
		}
		return
	}
	connection.Response.reset(responseMessage.Buffer())
	connection.responseMessageRef = responseMessage

	request = dispatcher.prepareRequest(connection, request)
	dispatcher.prepareResponseHeader(connection, request)

	result := dispatcher.execute(connection, request)
	if result == IsoResponsePending {
		// An asynchronous job took over; it finalises the
		// connection through CompletePositive or CompleteNegative.
		return
	}
	dispatcher.finalize(connection, result)
}

// prepareRequest strips the suppress positive response bit when the
// matched service honours it.
func (dispatcher *Dispatcher) prepareRequest(connection *IncomingDiagConnection, request []byte) []byte {
	if len(request) < 2 || request[1]&0x80 == 0 {
		return request
	}
	dispatcher.mu.Lock()
	services := dispatcher.services
	dispatcher.mu.Unlock()
	for _, service := range services {
		if service.ServiceID() == request[0] && service.allowSuppress {
			stripped := make([]byte, len(request))
			copy(stripped, request)
			stripped[1] &^= 0x80
			connection.suppressPositive = true
			return stripped
		}
	}
	return request
}

// prepareResponseHeader pre fills the positive response with the
// service id echo and the identifier bytes of the request.
func (dispatcher *Dispatcher) prepareResponseHeader(connection *IncomingDiagConnection, request []byte) {
	connection.Response.AppendByte(request[0] + PositiveResponseOffset)
	headerBytes := 1
	dispatcher.mu.Lock()
	services := dispatcher.services
	dispatcher.mu.Unlock()
	for _, service := range services {
		if service.ServiceID() != request[0] {
			continue
		}
		// Echo the identifier bytes the deepest matching job is
		// keyed on
		headerBytes = dispatcher.deepestPrefix(service, request)
		break
	}
	for i := 1; i < headerBytes && i < len(request); i++ {
		connection.Response.AppendByte(request[i])
	}
}

func (dispatcher *Dispatcher) deepestPrefix(job *Job, request []byte) int {
	deepest := len(job.prefix)
	for _, child := range job.children {
		if len(request) < len(child.prefix) || !bytes.Equal(request[:len(child.prefix)], child.prefix) {
			continue
		}
		if depth := dispatcher.deepestPrefix(child, request); depth > deepest {
			deepest = depth
		}
	}
	return deepest
}

// execute walks the service list; the first service whose verify
// does not yield NotResponsible wins.
func (dispatcher *Dispatcher) execute(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	dispatcher.mu.Lock()
	services := dispatcher.services
	dispatcher.mu.Unlock()
	for _, service := range services {
		if code := service.Execute(connection, request); code != CodeNotResponsible {
			return code
		}
	}
	return IsoServiceNotSupported
}

// finalize sends the final positive or negative response and
// releases the request.
func (dispatcher *Dispatcher) finalize(connection *IncomingDiagConnection, result DiagReturnCode) {
	connection.mu.Lock()
	if connection.finalized {
		connection.mu.Unlock()
		return
	}
	connection.finalized = true
	connection.mu.Unlock()

	if result == CodeOK {
		if connection.suppressPositive {
			dispatcher.responseDone(connection, CodeOK, ResponseSentOK)
			return
		}
		dispatcher.sendPositive(connection)
		return
	}
	dispatcher.sendNegative(connection, result, true)
}

func (dispatcher *Dispatcher) sendPositive(connection *IncomingDiagConnection) {
	message := connection.responseMessageRef
	if err := message.SetValidBytes(connection.Response.Length()); err != nil {
		dispatcher.responseDone(connection, CodeOK, ResponseSendFailed)
		return
	}
	dispatcher.sendMessage(connection, message, CodeOK)
}

// sendNegative emits 7F SID NRC. Final is false for response
// pending messages, which do not close the connection.
func (dispatcher *Dispatcher) sendNegative(connection *IncomingDiagConnection, code DiagReturnCode, final bool) {
	payload := []byte{NegativeResponseServiceID, connection.serviceID, byte(code)}
	if !final {
		// Pending responses use a transient message so that the
		// prepared positive response stays untouched
		pendingMessage, poolCode := dispatcher.responsePool.GetTransportMessage(dispatcher.busID, connection.targetID, connection.sourceID, len(payload))
		if poolCode != transport.GetMessageOK {
			log.Warnf("[UDS] no buffer for pending response of service %02x", connection.serviceID)
			return
		}
		pendingMessage.Append(payload)
		listener := processedListenerFunc(func(message *transport.Message, result transport.ProcessingResult) {
			dispatcher.responsePool.ReleaseTransportMessage(message)
		})
		if dispatcher.sender.Send(pendingMessage, listener) != transport.ErrOK {
			dispatcher.responsePool.ReleaseTransportMessage(pendingMessage)
		}
		return
	}
	message := connection.responseMessageRef
	message.ResetValidBytes()
	message.Append(payload)
	log.Debugf("[UDS] negative response %02x for service %02x (%v)", byte(code), connection.serviceID, code)
	dispatcher.sendMessage(connection, message, code)
}

func (dispatcher *Dispatcher) sendMessage(connection *IncomingDiagConnection, message *transport.Message, result DiagReturnCode) {
	listener := processedListenerFunc(func(sent *transport.Message, processed transport.ProcessingResult) {
		sendResult := ResponseSentOK
		if processed != transport.ProcessedNoError {
			sendResult = ResponseSendFailed
		}
		dispatcher.responseDone(connection, result, sendResult)
	})
	if dispatcher.sender.Send(message, listener) != transport.ErrOK {
		log.Warnf("[UDS] response send failed for service %02x", connection.serviceID)
		dispatcher.responseDone(connection, result, ResponseSendFailed)
	}
}

// responseDone runs the post send hooks and releases request and
// response buffers.
func (dispatcher *Dispatcher) responseDone(connection *IncomingDiagConnection, result DiagReturnCode, sendResult ResponseSendResult) {
	if connection.job != nil {
		connection.job.responseSent(connection, sendResult)
	}
	if dispatcher.sessionManager != nil {
		dispatcher.sessionManager.ResponseSent(connection, result, connection.Response.Data())
	}
	dispatcher.responsePool.ReleaseTransportMessage(connection.responseMessageRef)
	if connection.requestNotify != nil {
		connection.requestNotify.TransportMessageProcessed(connection.requestMessage, transport.ProcessedNoError)
	}
}
