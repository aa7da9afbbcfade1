package uds

// NewWriteDataByIdentifier builds the 0x2E service root. The data
// length behind the identifier is checked by the identifier jobs.
func NewWriteDataByIdentifier() *Job {
	return NewJob("writeDataByIdentifier", []byte{0x2E}, RequestLengthVariable, ElevatedSessionMask).
		WithDefaultCode(IsoRequestOutOfRange)
}
