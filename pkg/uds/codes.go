package uds

// Return codes used across the diagnostic job tree. Positive values
// are ISO 14229 negative response codes and go onto the wire;
// internal codes are negative and never leak.
type DiagReturnCode int16

const (
	CodeOK             DiagReturnCode = 0
	CodeNotResponsible DiagReturnCode = -1
)

const (
	IsoGeneralReject                          DiagReturnCode = 0x10
	IsoServiceNotSupported                    DiagReturnCode = 0x11
	IsoSubfunctionNotSupported                DiagReturnCode = 0x12
	IsoInvalidFormat                          DiagReturnCode = 0x13
	IsoBusyRepeatRequest                      DiagReturnCode = 0x21
	IsoConditionsNotCorrect                   DiagReturnCode = 0x22
	IsoRequestSequenceError                   DiagReturnCode = 0x24
	IsoRequestOutOfRange                      DiagReturnCode = 0x31
	IsoSecurityAccessDenied                   DiagReturnCode = 0x33
	IsoResponsePending                        DiagReturnCode = 0x78
	IsoSubfunctionNotSupportedInActiveSession DiagReturnCode = 0x7E
	IsoServiceNotSupportedInActiveSession     DiagReturnCode = 0x7F
)

// First byte of every negative response
const NegativeResponseServiceID uint8 = 0x7F

// Offset added to the service id in positive responses
const PositiveResponseOffset uint8 = 0x40

var diagCodeDescriptions = map[DiagReturnCode]string{
	CodeOK:             "ok",
	CodeNotResponsible: "not responsible",
	IsoGeneralReject:   "general reject",
	IsoServiceNotSupported:                    "service not supported",
	IsoSubfunctionNotSupported:                "subfunction not supported",
	IsoInvalidFormat:                          "incorrect message length or invalid format",
	IsoBusyRepeatRequest:                      "busy, repeat request",
	IsoConditionsNotCorrect:                   "conditions not correct",
	IsoRequestSequenceError:                   "request sequence error",
	IsoRequestOutOfRange:                      "request out of range",
	IsoSecurityAccessDenied:                   "security access denied",
	IsoResponsePending:                        "response pending",
	IsoSubfunctionNotSupportedInActiveSession: "subfunction not supported in active session",
	IsoServiceNotSupportedInActiveSession:     "service not supported in active session",
}

func (code DiagReturnCode) String() string {
	description, ok := diagCodeDescriptions[code]
	if ok {
		return description
	}
	return "unknown code"
}

// IsNegativeResponse tells whether the code maps to a wire NRC
func (code DiagReturnCode) IsNegativeResponse() bool {
	return code > 0
}
