package uds

import (
	"encoding/binary"
	"sync"

	"ecudiag/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Builder for the payload of a positive response. The service id
// echo and identifier bytes are prepared by the dispatcher, the job
// handler appends its data.
type PositiveResponse struct {
	buffer []byte
	length int
}

func (response *PositiveResponse) reset(buffer []byte) {
	response.buffer = buffer
	response.length = 0
}

func (response *PositiveResponse) AppendByte(value byte) bool {
	if response.length >= len(response.buffer) {
		return false
	}
	response.buffer[response.length] = value
	response.length++
	return true
}

func (response *PositiveResponse) AppendBytes(data []byte) int {
	count := copy(response.buffer[response.length:], data)
	response.length += count
	return count
}

func (response *PositiveResponse) AppendUint16(value uint16) bool {
	if response.length+2 > len(response.buffer) {
		return false
	}
	binary.BigEndian.PutUint16(response.buffer[response.length:], value)
	response.length += 2
	return true
}

func (response *PositiveResponse) AppendUint32(value uint32) bool {
	if response.length+4 > len(response.buffer) {
		return false
	}
	binary.BigEndian.PutUint32(response.buffer[response.length:], value)
	response.length += 4
	return true
}

func (response *PositiveResponse) Length() int { return response.length }

func (response *PositiveResponse) Data() []byte { return response.buffer[:response.length] }

// One incoming diagnostic request being processed. The connection
// owns the response buffer and is finalised exactly once, either
// synchronously by the dispatcher or later by an asynchronous job.
type IncomingDiagConnection struct {
	mu         sync.Mutex
	dispatcher *Dispatcher

	sourceID  uint16
	targetID  uint16
	serviceID uint8

	requestMessage     *transport.Message
	requestNotify      transport.MessageProcessedListener
	responseMessageRef *transport.Message

	sessionManager SessionManager
	job            *Job

	Response PositiveResponse

	suppressPositive bool
	pendingCount     int
	finalized        bool
}

func (connection *IncomingDiagConnection) SourceID() uint16 { return connection.sourceID }

func (connection *IncomingDiagConnection) TargetID() uint16 { return connection.targetID }

func (connection *IncomingDiagConnection) ServiceID() uint8 { return connection.serviceID }

func (connection *IncomingDiagConnection) Session() Session {
	if connection.sessionManager == nil {
		return SessionApplicationDefault
	}
	return connection.sessionManager.ActiveSession()
}

// SuppressPositiveResponse is set when bit 7 of the subfunction
// byte was set on a service that honours it.
func (connection *IncomingDiagConnection) SuppressPositiveResponse() bool {
	return connection.suppressPositive
}

// PendingResponseCount reports how many response pending messages
// went out for this request.
func (connection *IncomingDiagConnection) PendingResponseCount() int {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	return connection.pendingCount
}

// SendResponsePending emits a 0x78 negative response. It may be
// sent multiple times before the final response.
func (connection *IncomingDiagConnection) SendResponsePending() {
	connection.mu.Lock()
	connection.pendingCount++
	connection.mu.Unlock()
	log.Debugf("[UDS] response pending for service %02x", connection.serviceID)
	connection.dispatcher.sendNegative(connection, IsoResponsePending, false)
}

// CompletePositive finishes an asynchronous job with the prepared
// positive response.
func (connection *IncomingDiagConnection) CompletePositive() {
	connection.dispatcher.finalize(connection, CodeOK)
}

// CompleteNegative finishes an asynchronous job with a negative
// response.
func (connection *IncomingDiagConnection) CompleteNegative(code DiagReturnCode) {
	connection.dispatcher.finalize(connection, code)
}
