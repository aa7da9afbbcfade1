package can

import (
	"errors"
	"sync"
)

// Virtual CAN bus implementation primarily used for testing.
// All buses created for the same channel name share a hub and
// every frame sent on one bus is delivered to the listeners of
// all the others, like nodes on a common wire.

func init() {
	RegisterInterface("virtual", NewVirtualBus)
}

var virtualHubs = struct {
	mu   sync.Mutex
	hubs map[string]*virtualHub
}{hubs: make(map[string]*virtualHub)}

type virtualHub struct {
	mu    sync.Mutex
	buses []*VirtualBus
}

func (hub *virtualHub) dispatch(sender *VirtualBus, frame Frame) {
	hub.mu.Lock()
	buses := make([]*VirtualBus, len(hub.buses))
	copy(buses, hub.buses)
	hub.mu.Unlock()

	for _, bus := range buses {
		if bus == sender && !bus.receiveOwn {
			continue
		}
		bus.deliver(frame)
	}
}

type VirtualBus struct {
	mu            sync.Mutex
	hub           *virtualHub
	channel       string
	frameListener FrameListener
	receiveOwn    bool
	connected     bool
}

func NewVirtualBus(channel string) (Bus, error) {
	virtualHubs.mu.Lock()
	hub, ok := virtualHubs.hubs[channel]
	if !ok {
		hub = &virtualHub{}
		virtualHubs.hubs[channel] = hub
	}
	virtualHubs.mu.Unlock()
	return &VirtualBus{hub: hub, channel: channel}, nil
}

// "Connect" implementation of Bus interface
func (b *VirtualBus) Connect(...any) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.hub.buses = append(b.hub.buses, b)
	b.connected = true
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *VirtualBus) Disconnect() error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, bus := range b.hub.buses {
		if bus == b {
			b.hub.buses = append(b.hub.buses[:i], b.hub.buses[i+1:]...)
			break
		}
	}
	b.connected = false
	return nil
}

// "Send" implementation of Bus interface
func (b *VirtualBus) Send(frame Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return errors.New("virtual bus not connected")
	}
	// Copy payload so that receivers never alias the sender's buffer
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	frame.Data = data
	b.hub.dispatch(b, frame)
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *VirtualBus) Subscribe(frameListener FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameListener = frameListener
	return nil
}

// Deliver frames sent by this bus also to its own listener
func (b *VirtualBus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

func (b *VirtualBus) deliver(frame Frame) {
	b.mu.Lock()
	listener := b.frameListener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}
