package uds

// NewTesterPresent builds the 0x3E service. The work is done
// entirely by the session manager hooks, which re-arm the S3
// timeout for every accepted job; the handler just confirms.
func NewTesterPresent() *Job {
	root := NewJob("testerPresent", []byte{0x3E}, RequestLengthVariable, AllSessionMask).
		WithDefaultCode(IsoSubfunctionNotSupported).
		WithSuppressPositiveResponse()
	root.AddChild(NewJob("testerPresentZeroSubfunction", []byte{0x3E, 0x00}, 0, AllSessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			return CodeOK
		})))
	return root
}
