package transport

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Fixed capacity message pool implementing MessageProvider. Every
// element carries the same buffer size; a request larger than that
// is rejected before any allocation happens.
type MessagePool struct {
	mu       sync.Mutex
	elements []poolElement
}

type poolElement struct {
	message *Message
	inUse   bool
}

func NewMessagePool(elementCount int, elementSize int) *MessagePool {
	pool := &MessagePool{elements: make([]poolElement, elementCount)}
	for i := range pool.elements {
		pool.elements[i].message = NewMessage(make([]byte, elementSize))
	}
	return pool
}

func (pool *MessagePool) GetTransportMessage(busID uint8, sourceID uint16, targetID uint16, size int) (*Message, GetMessageCode) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if len(pool.elements) > 0 && size > len(pool.elements[0].message.buffer) {
		log.Warnf("[POOL] message of %v bytes exceeds element size %v", size, len(pool.elements[0].message.buffer))
		return nil, GetMessageSizeTooLarge
	}
	for i := range pool.elements {
		if pool.elements[i].inUse {
			continue
		}
		pool.elements[i].inUse = true
		message := pool.elements[i].message
		message.ResetValidBytes()
		message.SetSourceID(sourceID)
		message.SetTargetID(targetID)
		return message, GetMessageOK
	}
	return nil, GetMessageNoMessageAvailable
}

func (pool *MessagePool) ReleaseTransportMessage(message *Message) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for i := range pool.elements {
		if pool.elements[i].message == message {
			pool.elements[i].inUse = false
			return
		}
	}
	log.Warn("[POOL] release of unknown message ignored")
}
