package nvstorage

import (
	"sync"

	"ecudiag/pkg/async"

	log "github.com/sirupsen/logrus"
)

// In memory store used for tests and the demo ECU. Completions are
// posted into the configured context to mirror the asynchronous
// behaviour of a real EEPROM driver.
type MemoryStore struct {
	mu       sync.Mutex
	blocks   map[BlockID][]byte
	executor async.Executor
	context  async.ContextType
	busy     bool
	// Optional fault injection for tests
	readResult  ReturnCode
	writeResult ReturnCode
}

func NewMemoryStore(executor async.Executor, context async.ContextType) *MemoryStore {
	return &MemoryStore{
		blocks:   make(map[BlockID][]byte),
		executor: executor,
		context:  context,
	}
}

// SetReadResult forces the result code of subsequent reads
func (store *MemoryStore) SetReadResult(result ReturnCode) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.readResult = result
}

// SetWriteResult forces the result code of subsequent writes
func (store *MemoryStore) SetWriteResult(result ReturnCode) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.writeResult = result
}

func (store *MemoryStore) Read(block BlockID, buffer []byte, completion CompletionFunc) bool {
	store.mu.Lock()
	if store.busy {
		store.mu.Unlock()
		log.Warn("[NV] read rejected, request outstanding")
		return false
	}
	store.busy = true
	result := store.readResult
	data, ok := store.blocks[block]
	if !ok && result == ReqOK {
		// Erased block reads as 0xFF
		for i := range buffer {
			buffer[i] = 0xFF
		}
	} else {
		copy(buffer, data)
	}
	store.mu.Unlock()

	store.complete(func() {
		completion(block, buffer, result)
	})
	return true
}

func (store *MemoryStore) Write(block BlockID, data []byte, completion CompletionFunc) bool {
	store.mu.Lock()
	if store.busy {
		store.mu.Unlock()
		log.Warn("[NV] write rejected, request outstanding")
		return false
	}
	store.busy = true
	result := store.writeResult
	if result == ReqOK {
		stored := make([]byte, len(data))
		copy(stored, data)
		store.blocks[block] = stored
	}
	store.mu.Unlock()

	store.complete(func() {
		completion(block, data, result)
	})
	return true
}

func (store *MemoryStore) complete(callback func()) {
	finish := func() {
		store.mu.Lock()
		store.busy = false
		store.mu.Unlock()
		callback()
	}
	if store.executor == nil {
		finish()
		return
	}
	store.executor.Execute(store.context, async.RunnableFunc(finish))
}
