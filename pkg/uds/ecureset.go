package uds

import (
	log "github.com/sirupsen/logrus"
)

// Subfunctions of ECU reset
const (
	resetHardReset                 uint8 = 0x01
	resetKeyOffOn                  uint8 = 0x02
	resetSoftReset                 uint8 = 0x03
	resetEnableRapidPowerShutdown  uint8 = 0x04
	resetDisableRapidPowerShutdown uint8 = 0x05
)

// ecuReset implements service 0x11. The reset itself is deferred
// until the positive response left the wire; only then the
// lifecycle connector is asked to shut the system down.
type ecuReset struct {
	connector       LifecycleConnector
	powerDownTimeS  uint8
	rapidShutdownOn bool
}

// NewEcuReset builds the 0x11 service tree. powerDownTimeS is the
// power down time reported for enableRapidPowerShutdown.
func NewEcuReset(connector LifecycleConnector, powerDownTimeS uint8) *Job {
	service := &ecuReset{connector: connector, powerDownTimeS: powerDownTimeS}
	root := NewJob("ecuReset", []byte{0x11}, RequestLengthVariable, AllSessionMask).
		WithDefaultCode(IsoSubfunctionNotSupported).
		WithSuppressPositiveResponse()
	root.AddChild(NewJob("hardReset", []byte{0x11, resetHardReset}, 0, AllSessionMask).
		WithHandler(service.resetHandler(resetHardReset)))
	root.AddChild(NewJob("keyOffOnReset", []byte{0x11, resetKeyOffOn}, 0, AllSessionMask).
		WithHandler(service.resetHandler(resetKeyOffOn)))
	root.AddChild(NewJob("softReset", []byte{0x11, resetSoftReset}, 0, AllSessionMask).
		WithHandler(service.resetHandler(resetSoftReset)))
	root.AddChild(NewJob("enableRapidPowerShutdown", []byte{0x11, resetEnableRapidPowerShutdown}, 0, ElevatedSessionMask).
		WithHandler(service.enableRapidHandler()))
	root.AddChild(NewJob("disableRapidPowerShutdown", []byte{0x11, resetDisableRapidPowerShutdown}, 0, ElevatedSessionMask).
		WithHandler(service.disableRapidHandler()))
	return root
}

type ecuResetHandler struct {
	service     *ecuReset
	subfunction uint8
	process     func(connection *IncomingDiagConnection, request []byte) DiagReturnCode
}

func (handler *ecuResetHandler) Process(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
	return handler.process(connection, request)
}

// ResponseSent performs the deferred shutdown
func (handler *ecuResetHandler) ResponseSent(connection *IncomingDiagConnection, result ResponseSendResult) {
	if result != ResponseSentOK && !connection.SuppressPositiveResponse() {
		log.Warnf("[UDS] reset response not sent, skipping shutdown")
		return
	}
	service := handler.service
	switch handler.subfunction {
	case resetHardReset:
		service.connector.RequestShutdown(ShutdownHardReset, ResetTimeMs)
	case resetKeyOffOn:
		service.connector.RequestShutdown(ShutdownKeyOffOn, ResetTimeMs)
	case resetSoftReset:
		service.connector.RequestShutdown(ShutdownSoftReset, ResetTimeMs)
	case resetEnableRapidPowerShutdown:
		service.connector.RequestShutdown(ShutdownPowerDown, uint32(service.powerDownTimeS)*1000)
	}
}

func (service *ecuReset) resetHandler(subfunction uint8) Handler {
	return &ecuResetHandler{
		service:     service,
		subfunction: subfunction,
		process: func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			return CodeOK
		},
	}
}

func (service *ecuReset) enableRapidHandler() Handler {
	return &ecuResetHandler{
		service:     service,
		subfunction: resetEnableRapidPowerShutdown,
		process: func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			service.rapidShutdownOn = true
			// Response carries the power down time in seconds
			connection.Response.AppendByte(service.powerDownTimeS)
			return CodeOK
		},
	}
}

func (service *ecuReset) disableRapidHandler() Handler {
	return HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
		service.rapidShutdownOn = false
		return CodeOK
	})
}
