//go:build linux

package can

import (
	"fmt"

	brutella "github.com/brutella/can"
	"golang.org/x/sys/unix"
)

// Basic wrapper around brutella/can as Bus implementation.
// SocketCAN only carries classic frames here, so payloads are
// limited to 8 bytes. Adding a custom driver is possible by
// implementing the Bus interface directly.

func init() {
	RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketCanBus struct {
	bus           *brutella.Bus
	frameListener FrameListener
}

func NewSocketCanBus(name string) (Bus, error) {
	bus, err := brutella.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketCanBus{bus: bus}, nil
}

// "Connect" implementation of Bus interface
func (socketcan *SocketCanBus) Connect(...any) error {
	go func() {
		_ = socketcan.bus.ConnectAndPublish()
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketCanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketCanBus) Send(frame Frame) error {
	if len(frame.Data) > 8 {
		return fmt.Errorf("classic CAN frame with %v data bytes", len(frame.Data))
	}
	newFrame := brutella.Frame{Length: uint8(len(frame.Data))}
	if frame.IsExtended() {
		newFrame.ID = (frame.ID & unix.CAN_EFF_MASK) | unix.CAN_EFF_FLAG
	} else {
		newFrame.ID = frame.ID & unix.CAN_SFF_MASK
	}
	copy(newFrame.Data[:], frame.Data)
	return socketcan.bus.Publish(newFrame)
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketCanBus) Subscribe(frameListener FrameListener) error {
	socketcan.frameListener = frameListener
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketCanBus) Handle(frame brutella.Frame) {
	if socketcan.frameListener == nil {
		return
	}
	length := frame.Length
	if length > 8 {
		length = 8
	}
	data := make([]byte, length)
	copy(data, frame.Data[:length])
	id := frame.ID
	if id&unix.CAN_EFF_FLAG != 0 {
		id = (id & unix.CAN_EFF_MASK) | CanEffFlag
	} else {
		id &= unix.CAN_SFF_MASK
	}
	socketcan.frameListener.Handle(Frame{ID: id, Data: data})
}
