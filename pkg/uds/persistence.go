package uds

import (
	"ecudiag/pkg/nvstorage"

	log "github.com/sirupsen/logrus"
)

// EepromSessionPersistence stores the active diagnostic session as
// a single byte in a well known EEPROM block.
type EepromSessionPersistence struct {
	store nvstorage.Store
	block nvstorage.BlockID
}

func NewEepromSessionPersistence(store nvstorage.Store, block nvstorage.BlockID) *EepromSessionPersistence {
	return &EepromSessionPersistence{store: store, block: block}
}

func (persistence *EepromSessionPersistence) ReadSession(manager *DiagnosticSessionControl) {
	buffer := make([]byte, 1)
	accepted := persistence.store.Read(persistence.block, buffer, func(block nvstorage.BlockID, data []byte, result nvstorage.ReturnCode) {
		switch result {
		case nvstorage.ReqOK:
			manager.SessionRead(data[0])
		case nvstorage.ReqRestoredFromRom:
			// ROM defaults are usable but worth noticing
			log.Warnf("[SESSION] session block restored from rom defaults")
			manager.SessionRead(data[0])
		case nvstorage.ReqIntegrityFailed:
			log.Warnf("[SESSION] session block integrity failure, using DEFAULT")
			manager.SessionRead(PersistedErased)
		default:
			log.Warnf("[SESSION] session read failed : %v", result)
			manager.SessionRead(PersistedErased)
		}
	})
	if !accepted {
		log.Warn("[SESSION] session read rejected by storage driver")
		manager.SessionRead(PersistedErased)
	}
}

func (persistence *EepromSessionPersistence) WriteSession(manager *DiagnosticSessionControl, session byte) {
	accepted := persistence.store.Write(persistence.block, []byte{session}, func(block nvstorage.BlockID, data []byte, result nvstorage.ReturnCode) {
		manager.SessionWritten(result == nvstorage.ReqOK)
	})
	if !accepted {
		manager.SessionWritten(false)
	}
}
