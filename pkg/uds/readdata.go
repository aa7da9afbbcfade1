package uds

// NewReadDataByIdentifier builds the 0x22 service root. Requests
// carry exactly one 16 bit data identifier; concrete identifier
// jobs are added as children.
func NewReadDataByIdentifier() *Job {
	return NewJob("readDataByIdentifier", []byte{0x22}, 2, AllSessionMask).
		WithDefaultCode(IsoRequestOutOfRange)
}

func identifierPrefix(serviceID uint8, identifier uint16) []byte {
	return []byte{serviceID, byte(identifier >> 8), byte(identifier)}
}
