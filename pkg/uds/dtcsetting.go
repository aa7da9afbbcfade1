package uds

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// ControlDTCSetting implements service 0x85 with subfunctions
// 0x01 (on) and 0x02 (off).
type ControlDTCSetting struct {
	mu       sync.Mutex
	enabled  bool
	listener func(enabled bool)
}

func NewControlDTCSetting(listener func(enabled bool)) *ControlDTCSetting {
	return &ControlDTCSetting{enabled: true, listener: listener}
}

func (setting *ControlDTCSetting) IsEnabled() bool {
	setting.mu.Lock()
	defer setting.mu.Unlock()
	return setting.enabled
}

func (setting *ControlDTCSetting) Service() *Job {
	root := NewJob("controlDTCSetting", []byte{0x85}, RequestLengthVariable, ElevatedSessionMask).
		WithDefaultCode(IsoSubfunctionNotSupported).
		WithSuppressPositiveResponse()
	root.AddChild(NewJob("dtcSettingOn", []byte{0x85, 0x01}, 0, ElevatedSessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			setting.apply(true)
			return CodeOK
		})))
	root.AddChild(NewJob("dtcSettingOff", []byte{0x85, 0x02}, 0, ElevatedSessionMask).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			setting.apply(false)
			return CodeOK
		})))
	return root
}

func (setting *ControlDTCSetting) apply(enabled bool) {
	setting.mu.Lock()
	changed := setting.enabled != enabled
	setting.enabled = enabled
	listener := setting.listener
	setting.mu.Unlock()
	if changed {
		log.Infof("[UDS] dtc setting %v", map[bool]string{true: "on", false: "off"}[enabled])
		if listener != nil {
			listener(enabled)
		}
	}
}
