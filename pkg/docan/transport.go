package docan

import (
	"sync"

	"ecudiag/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Requests high frequency ticks from the environment while a
// transmitter paces consecutive frames. The generator is expected
// to call Tick at a rate no coarser than the negotiated separation
// time until Tick returns false.
type TickGenerator interface {
	TickNeeded()
}

// TransportLayer runs the ISO 15765-2 state machines for one CAN
// bus. It owns a fixed pool of message receivers and transmitters;
// each active connection occupies exactly one slot.
type TransportLayer struct {
	mu            sync.Mutex
	busID         uint8
	filter        *AddressingFilter
	transceiver   *PhysicalTransceiver
	tickGen       TickGenerator
	params        *Parameters
	provider      transport.MessageProvider
	listener      transport.MessageListener
	receivers     []messageReceiver
	transmitters  []messageTransmitter
	pendingStarts []batchStart
	nextHandle    uint16
	initialized   bool
	shuttingDown  bool
	shutdownCb    func()
}

func NewTransportLayer(
	busID uint8,
	filter *AddressingFilter,
	transceiver *PhysicalTransceiver,
	tickGen TickGenerator,
	params *Parameters,
	provider transport.MessageProvider,
	listener transport.MessageListener,
	receiverCount int,
	transmitterCount int,
) *TransportLayer {
	return &TransportLayer{
		busID:        busID,
		filter:       filter,
		transceiver:  transceiver,
		tickGen:      tickGen,
		params:       params,
		provider:     provider,
		listener:     listener,
		receivers:    make([]messageReceiver, receiverCount),
		transmitters: make([]messageTransmitter, transmitterCount),
	}
}

func (layer *TransportLayer) BusID() uint8 { return layer.busID }

// SetMessageListener wires the consumer of reassembled messages.
// Must be called before Init; dispatcher and transport layer
// reference each other, so one side is attached late.
func (layer *TransportLayer) SetMessageListener(listener transport.MessageListener) {
	layer.mu.Lock()
	defer layer.mu.Unlock()
	layer.listener = listener
}

// Init opens the transceiver and starts frame reception
func (layer *TransportLayer) Init() error {
	if err := layer.transceiver.Open(layer); err != nil {
		return err
	}
	layer.mu.Lock()
	layer.initialized = true
	layer.mu.Unlock()
	return nil
}

// Send transmits a transport message. The processed listener is
// notified exactly once with the outcome.
func (layer *TransportLayer) Send(message *transport.Message, listener transport.MessageProcessedListener) transport.ErrorCode {
	layer.mu.Lock()
	if !layer.initialized {
		layer.mu.Unlock()
		return transport.ErrNotInitialized
	}
	if layer.shuttingDown {
		layer.mu.Unlock()
		return transport.ErrSendFail
	}
	address := TransportAddressPair{SourceID: message.SourceID(), TargetID: message.TargetID()}
	params, ok := layer.filter.TransmissionParameters(address)
	if !ok {
		layer.mu.Unlock()
		log.Warnf("[TP%v][TX] no route for %x -> %x", layer.busID, address.SourceID, address.TargetID)
		return transport.ErrSendFail
	}
	// At most one transmitter per data link connection
	for i := range layer.transmitters {
		transmitter := &layer.transmitters[i]
		if transmitter.inUse && transmitter.params.DataLink == params.DataLink {
			layer.mu.Unlock()
			return transport.ErrQueueFull
		}
	}
	slot := -1
	for i := range layer.transmitters {
		if !layer.transmitters[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		layer.mu.Unlock()
		return transport.ErrQueueFull
	}
	frameCount, err := params.Codec.FrameCount(message.ValidBytes())
	if err != nil {
		layer.mu.Unlock()
		return transport.ErrSendFail
	}
	transmitter := &layer.transmitters[slot]
	*transmitter = messageTransmitter{
		inUse:      true,
		state:      txStateSending,
		message:    message,
		listener:   listener,
		params:     params,
		jobHandle:  layer.allocateHandle(),
		frameCount: uint16(frameCount),
		cfDataSize: uint8(params.Codec.ConsecutiveFramePayloadSize()),
		windowEnd:  1,
		deadlineUs: layer.params.NowUs() + uint32(layer.params.WaitTxCallbackTimeout)*1000,
	}
	handle := transmitter.jobHandle
	codec := params.Codec
	txAddr := params.DataLink.TransmissionID
	payload := message.Payload()
	layer.mu.Unlock()

	// The sent callback may fire synchronously from inside this call
	result := layer.transceiver.StartSendDataFrames(codec, layer, handle, txAddr, 0, 1, uint8(codec.ConsecutiveFramePayloadSize()), payload)
	if result == SendResultFailed {
		layer.mu.Lock()
		layer.releaseTransmitterByHandle(handle)
		layer.mu.Unlock()
		return transport.ErrSendFail
	}
	return transport.ErrOK
}

func (layer *TransportLayer) allocateHandle() uint16 {
	layer.nextHandle++
	if layer.nextHandle == 0 {
		layer.nextHandle = 1
	}
	return layer.nextHandle
}

// CyclicTask drives allocation retries, timeout supervision and
// queue retries. Expected to run at a coarse fixed cadence,
// typically every 10ms.
func (layer *TransportLayer) CyclicTask(nowUs uint32) {
	layer.transceiver.ProcessQueue()
	layer.processReceiverTimeouts(nowUs)
	layer.processTransmitterTimeouts(nowUs)
	layer.processPacing(nowUs)
	layer.checkShutdownComplete()
}

// Tick drives separation time pacing. Returns true while high
// frequency ticks are still needed.
func (layer *TransportLayer) Tick(nowUs uint32) bool {
	return layer.processPacing(nowUs)
}

// Shutdown quiesces acceptance of new work. The callback fires once
// all in flight receivers and transmitters reached a terminal
// state.
func (layer *TransportLayer) Shutdown(callback func()) {
	layer.mu.Lock()
	layer.shuttingDown = true
	layer.shutdownCb = callback
	pending := layer.pendingConnections()
	layer.mu.Unlock()
	if pending == 0 {
		layer.completeShutdown()
	}
}

func (layer *TransportLayer) pendingConnections() int {
	pending := 0
	for i := range layer.receivers {
		if layer.receivers[i].inUse {
			pending++
		}
	}
	for i := range layer.transmitters {
		if layer.transmitters[i].inUse {
			pending++
		}
	}
	return pending
}

func (layer *TransportLayer) checkShutdownComplete() {
	layer.mu.Lock()
	done := layer.shuttingDown && layer.shutdownCb != nil && layer.pendingConnections() == 0
	layer.mu.Unlock()
	if done {
		layer.completeShutdown()
	}
}

func (layer *TransportLayer) completeShutdown() {
	layer.mu.Lock()
	callback := layer.shutdownCb
	layer.shutdownCb = nil
	layer.initialized = false
	layer.mu.Unlock()
	layer.transceiver.Close()
	if callback != nil {
		callback()
	}
}

// TransportLayerContainer broadcasts lifecycle operations across
// the per bus transport layers of a gateway.
type TransportLayerContainer struct {
	mu      sync.Mutex
	layers  []*TransportLayer
	pending int
	done    func()
}

func NewTransportLayerContainer(layers ...*TransportLayer) *TransportLayerContainer {
	return &TransportLayerContainer{layers: layers}
}

func (container *TransportLayerContainer) Layers() []*TransportLayer {
	return container.layers
}

func (container *TransportLayerContainer) Init() error {
	for _, layer := range container.layers {
		if err := layer.Init(); err != nil {
			return err
		}
	}
	return nil
}

func (container *TransportLayerContainer) CyclicTask(nowUs uint32) {
	for _, layer := range container.layers {
		layer.CyclicTask(nowUs)
	}
}

func (container *TransportLayerContainer) Tick(nowUs uint32) bool {
	needed := false
	for _, layer := range container.layers {
		if layer.Tick(nowUs) {
			needed = true
		}
	}
	return needed
}

// Shutdown completes once every contained layer finished its own
// shutdown.
func (container *TransportLayerContainer) Shutdown(callback func()) {
	container.mu.Lock()
	container.pending = len(container.layers)
	container.done = callback
	pending := container.pending
	container.mu.Unlock()
	if pending == 0 {
		if callback != nil {
			callback()
		}
		return
	}
	for _, layer := range container.layers {
		layer.Shutdown(container.layerDone)
	}
}

func (container *TransportLayerContainer) layerDone() {
	container.mu.Lock()
	container.pending--
	finished := container.pending == 0
	callback := container.done
	container.mu.Unlock()
	if finished && callback != nil {
		callback()
	}
}
