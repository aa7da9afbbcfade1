package uds

import (
	"encoding/binary"

	"ecudiag/pkg/nvstorage"
)

// Identifier jobs for Read/WriteDataByIdentifier. Each job is a
// leaf keyed on the full three byte prefix of its service and
// identifier.

// NewReadIdentifierFromMemory answers a read with the content of a
// fixed buffer captured at construction time.
func NewReadIdentifierFromMemory(identifier uint16, data []byte, sessionMask SessionMask) *Job {
	name := "readIdentifierFromMemory"
	return NewJob(name, identifierPrefix(0x22, identifier), 0, sessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			connection.Response.AppendBytes(data)
			return CodeOK
		}))
}

// NewReadIdentifierFromSliceRef reads through a slice reference
// resolved on every request, so the response always reflects the
// current content.
func NewReadIdentifierFromSliceRef(identifier uint16, ref *[]byte, sessionMask SessionMask) *Job {
	name := "readIdentifierFromSliceRef"
	return NewJob(name, identifierPrefix(0x22, identifier), 0, sessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			if ref == nil || *ref == nil {
				return IsoConditionsNotCorrect
			}
			connection.Response.AppendBytes(*ref)
			return CodeOK
		}))
}

// readIdentifierFromNvStorage serves a read from an asynchronous
// storage block. In the variable length form the block starts with
// a four byte big endian length record.
type readIdentifierFromNvStorage struct {
	store          nvstorage.Store
	block          nvstorage.BlockID
	length         int
	variableLength bool
}

// NewReadIdentifierFromNvStorage reads a fixed number of bytes from
// the given block.
func NewReadIdentifierFromNvStorage(identifier uint16, store nvstorage.Store, block nvstorage.BlockID, length int, sessionMask SessionMask) *Job {
	job := &readIdentifierFromNvStorage{store: store, block: block, length: length}
	return NewJob("readIdentifierFromNvStorage", identifierPrefix(0x22, identifier), 0, sessionMask).
		WithHandler(job).
		WithResponsePending()
}

// NewVariableReadIdentifierFromNvStorage reads a length record
// first and serves as many bytes as it announces.
func NewVariableReadIdentifierFromNvStorage(identifier uint16, store nvstorage.Store, block nvstorage.BlockID, maxLength int, sessionMask SessionMask) *Job {
	job := &readIdentifierFromNvStorage{store: store, block: block, length: maxLength, variableLength: true}
	return NewJob("readIdentifierFromNvStorage", identifierPrefix(0x22, identifier), 0, sessionMask).
		WithHandler(job).
		WithResponsePending()
}

func (job *readIdentifierFromNvStorage) Process(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	bufferSize := job.length
	if job.variableLength {
		bufferSize += 4
	}
	buffer := make([]byte, bufferSize)
	accepted := job.store.Read(job.block, buffer, func(block nvstorage.BlockID, data []byte, result nvstorage.ReturnCode) {
		if result != nvstorage.ReqOK && result != nvstorage.ReqRestoredFromRom {
			connection.CompleteNegative(IsoConditionsNotCorrect)
			return
		}
		payload := data
		if job.variableLength {
			recordLength := int(binary.BigEndian.Uint32(data[:4]))
			if recordLength > len(data)-4 {
				connection.CompleteNegative(IsoConditionsNotCorrect)
				return
			}
			payload = data[4 : 4+recordLength]
		}
		connection.Response.AppendBytes(payload)
		connection.CompletePositive()
	})
	if !accepted {
		return IsoBusyRepeatRequest
	}
	// Completion arrives asynchronously through the connection
	return IsoResponsePending
}

// ResponseSent releases nothing today but keeps the storage job
// symmetrical with the reference behaviour of freeing its helper.
func (job *readIdentifierFromNvStorage) ResponseSent(connection *IncomingDiagConnection, result ResponseSendResult) {
}

// NewWriteIdentifierToMemory stores the request data into the given
// target buffer. The request length must match the target exactly.
func NewWriteIdentifierToMemory(identifier uint16, target []byte, sessionMask SessionMask) *Job {
	return NewJob("writeIdentifierToMemory", identifierPrefix(0x2E, identifier), len(target), sessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			copy(target, request)
			return CodeOK
		}))
}
