package docan

import (
	"fmt"
	"sync"

	"ecudiag/internal/fifo"
	"ecudiag/pkg/can"

	log "github.com/sirupsen/logrus"
)

// Result of a send request towards the transceiver. QueuedFull is
// not an error: the transceiver took responsibility for the frames
// and the caller waits for the DataFramesSent callback.
type SendResult uint8

const (
	SendResultSent SendResult = iota
	SendResultQueued
	SendResultQueuedFull
	SendResultFailed
)

// Transceiver states
type TransceiverState uint8

const (
	TransceiverClosed TransceiverState = iota
	TransceiverInitialized
	TransceiverOpen
	TransceiverMuted
)

// Callbacks from the transceiver into the transport layer for
// received and classified frames. Delivery order per reception
// identifier follows decode order.
type FrameReceiver interface {
	FirstDataFrameReceived(params ReceptionParameters, frameCount uint16, totalLength uint32, firstPayload []byte)
	ConsecutiveDataFrameReceived(rxID uint32, sequence uint8, payload []byte)
	FlowControlFrameReceived(rxID uint32, status FlowStatus, blockSize uint8, encodedStMin uint8)
}

// Notified when a batch of data frames left the wire. Callback
// order matches the order of StartSendDataFrames calls.
type FramesSentListener interface {
	DataFramesSent(jobHandle uint16, framesSent uint16, ok bool)
}

const transceiverJobCount = 16

type sendJob struct {
	codec      *Codec
	listener   FramesSentListener
	payload    []byte
	txAddr     uint32
	handle     uint16
	firstIdx   uint16
	nextIdx    uint16
	lastIdx    uint16
	frameCount uint16
	cfDataSize uint8
	inUse      bool
}

// PhysicalTransceiver serialises frame emission on one CAN bus and
// classifies received frames for the transport layer. One instance
// exists per physical bus.
type PhysicalTransceiver struct {
	mu         sync.Mutex
	bus        can.Bus
	filter     *AddressingFilter
	receiver   FrameReceiver
	jobs       [transceiverJobCount]sendJob
	queue      *fifo.Fifo
	state      TransceiverState
	busID      uint8
	processing bool
}

func NewPhysicalTransceiver(busID uint8, bus can.Bus, filter *AddressingFilter) *PhysicalTransceiver {
	return &PhysicalTransceiver{
		busID:  busID,
		bus:    bus,
		filter: filter,
		queue:  fifo.NewFifo(transceiverJobCount),
		state:  TransceiverInitialized,
	}
}

func (transceiver *PhysicalTransceiver) BusID() uint8 { return transceiver.busID }

func (transceiver *PhysicalTransceiver) State() TransceiverState {
	transceiver.mu.Lock()
	defer transceiver.mu.Unlock()
	return transceiver.state
}

// Open subscribes to the bus and starts delivering classified
// frames to the given receiver.
func (transceiver *PhysicalTransceiver) Open(receiver FrameReceiver) error {
	transceiver.mu.Lock()
	if transceiver.state == TransceiverOpen {
		transceiver.mu.Unlock()
		return fmt.Errorf("transceiver already open")
	}
	transceiver.receiver = receiver
	transceiver.state = TransceiverOpen
	transceiver.mu.Unlock()
	return transceiver.bus.Subscribe(transceiver)
}

func (transceiver *PhysicalTransceiver) Close() {
	transceiver.mu.Lock()
	defer transceiver.mu.Unlock()
	transceiver.state = TransceiverClosed
	transceiver.receiver = nil
}

// Mute stops frame emission; queued jobs are kept back until
// Unmute.
func (transceiver *PhysicalTransceiver) Mute() {
	transceiver.mu.Lock()
	defer transceiver.mu.Unlock()
	if transceiver.state == TransceiverOpen {
		transceiver.state = TransceiverMuted
	}
}

func (transceiver *PhysicalTransceiver) Unmute() {
	transceiver.mu.Lock()
	if transceiver.state == TransceiverMuted {
		transceiver.state = TransceiverOpen
	}
	transceiver.mu.Unlock()
	transceiver.ProcessQueue()
}

// StartSendDataFrames queues the emission of the frame window
// [firstIdx, lastIdx) of the given message payload. cfDataSize is
// the payload size used for consecutive frames.
func (transceiver *PhysicalTransceiver) StartSendDataFrames(
	codec *Codec,
	listener FramesSentListener,
	jobHandle uint16,
	txAddr uint32,
	firstIdx uint16,
	lastIdx uint16,
	cfDataSize uint8,
	payload []byte,
) SendResult {
	frameCount, err := codec.FrameCount(len(payload))
	if err != nil {
		return SendResultFailed
	}
	transceiver.mu.Lock()
	if transceiver.state != TransceiverOpen && transceiver.state != TransceiverMuted {
		transceiver.mu.Unlock()
		return SendResultFailed
	}
	slot := -1
	for i := range transceiver.jobs {
		if !transceiver.jobs[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 || transceiver.queue.Full() {
		transceiver.mu.Unlock()
		return SendResultFailed
	}
	transceiver.jobs[slot] = sendJob{
		inUse:      true,
		codec:      codec,
		listener:   listener,
		handle:     jobHandle,
		txAddr:     txAddr,
		payload:    payload,
		firstIdx:   firstIdx,
		nextIdx:    firstIdx,
		lastIdx:    lastIdx,
		frameCount: uint16(frameCount),
		cfDataSize: cfDataSize,
	}
	transceiver.queue.Push(uint16(slot))
	queued := transceiver.queue.Len() > 1
	transceiver.mu.Unlock()

	drained := transceiver.ProcessQueue()
	if drained {
		return SendResultSent
	}
	if queued {
		return SendResultQueuedFull
	}
	return SendResultQueued
}

// SendFlowControl emits a flow control frame immediately, bypassing
// the data frame queue.
func (transceiver *PhysicalTransceiver) SendFlowControl(
	codec *Codec,
	txAddr uint32,
	status FlowStatus,
	blockSize uint8,
	encodedStMin uint8,
) SendResult {
	transceiver.mu.Lock()
	if transceiver.state != TransceiverOpen {
		transceiver.mu.Unlock()
		return SendResultFailed
	}
	transceiver.mu.Unlock()
	data := codec.EncodeFlowControl(status, blockSize, encodedStMin)
	if err := transceiver.bus.Send(can.Frame{ID: txAddr, Data: data}); err != nil {
		log.Warnf("[XCVR%v] flow control send failed : %v", transceiver.busID, err)
		return SendResultFailed
	}
	return SendResultSent
}

// ProcessQueue attempts to emit pending frames. Returns true when
// the queue was fully drained. Called after each send request, on
// unmute and from the cyclic task to retry after back pressure.
func (transceiver *PhysicalTransceiver) ProcessQueue() bool {
	type completion struct {
		listener FramesSentListener
		handle   uint16
		frames   uint16
		ok       bool
	}
	// Guard against re-entrant processing: a synchronous bus can
	// loop the peer's reaction back into a nested send request
	// while a frame emission is still in flight.
	transceiver.mu.Lock()
	if transceiver.processing {
		transceiver.mu.Unlock()
		return false
	}
	transceiver.processing = true
	transceiver.mu.Unlock()
	defer func() {
		transceiver.mu.Lock()
		transceiver.processing = false
		transceiver.mu.Unlock()
	}()

	for {
		// The bus send happens outside the lock: a loopback bus may
		// deliver the peer's reaction synchronously on this very
		// goroutine, re-entering Handle.
		transceiver.mu.Lock()
		if transceiver.state != TransceiverOpen {
			drained := transceiver.queue.Empty()
			transceiver.mu.Unlock()
			return drained
		}
		slot, ok := transceiver.queue.Peek()
		if !ok {
			transceiver.mu.Unlock()
			return true
		}
		job := &transceiver.jobs[slot]
		if job.nextIdx >= job.lastIdx {
			done := completion{job.listener, job.handle, job.lastIdx - job.firstIdx, true}
			job.inUse = false
			transceiver.queue.Pop()
			transceiver.mu.Unlock()
			if done.listener != nil {
				done.listener.DataFramesSent(done.handle, done.frames, done.ok)
			}
			continue
		}
		data, err := transceiver.encodeFrame(job, job.nextIdx)
		if err != nil {
			log.Warnf("[XCVR%v] dropping send job : %v", transceiver.busID, err)
			done := completion{job.listener, job.handle, 0, false}
			job.inUse = false
			transceiver.queue.Pop()
			transceiver.mu.Unlock()
			if done.listener != nil {
				done.listener.DataFramesSent(done.handle, done.frames, done.ok)
			}
			continue
		}
		txAddr := job.txAddr
		transceiver.mu.Unlock()

		if err := transceiver.bus.Send(can.Frame{ID: txAddr, Data: data}); err != nil {
			// Bus back pressure, retry on next process call
			return false
		}
		transceiver.mu.Lock()
		if transceiver.jobs[slot].inUse && transceiver.jobs[slot].handle == job.handle {
			transceiver.jobs[slot].nextIdx++
		}
		transceiver.mu.Unlock()
	}
}

func (transceiver *PhysicalTransceiver) encodeFrame(job *sendJob, index uint16) ([]byte, error) {
	codec := job.codec
	if index == 0 {
		if job.frameCount == 1 {
			return codec.EncodeSingleFrame(job.payload)
		}
		size := codec.FirstFramePayloadSize(len(job.payload))
		return codec.EncodeFirstFrame(len(job.payload), job.payload[:size])
	}
	ffSize := codec.FirstFramePayloadSize(len(job.payload))
	start := ffSize + (int(index)-1)*int(job.cfDataSize)
	end := start + int(job.cfDataSize)
	if end > len(job.payload) {
		end = len(job.payload)
	}
	if start >= len(job.payload) {
		return nil, fmt.Errorf("frame index %v beyond message end", index)
	}
	return codec.EncodeConsecutiveFrame(uint8(index&0x0F), job.payload[start:end])
}

// Handle implements can.FrameListener; received frames are matched
// against the addressing filter, classified and forwarded.
func (transceiver *PhysicalTransceiver) Handle(frame can.Frame) {
	transceiver.mu.Lock()
	receiver := transceiver.receiver
	state := transceiver.state
	transceiver.mu.Unlock()
	if receiver == nil || state != TransceiverOpen {
		return
	}
	if !transceiver.filter.Match(frame.ID) {
		return
	}
	params, ok := transceiver.filter.ReceptionParameters(frame.ID)
	if !ok {
		return
	}
	codec := params.Codec
	switch codec.DecodeFrameKind(frame.Data) {
	case FrameKindSingle:
		payload, err := codec.DecodeSingleFrame(frame.Data)
		if err != nil {
			log.Warnf("[XCVR%v] invalid single frame from %v : %v", transceiver.busID, frame.ID, err)
			return
		}
		receiver.FirstDataFrameReceived(params, 1, uint32(len(payload)), payload)
	case FrameKindFirst:
		totalLength, payload, err := codec.DecodeFirstFrame(frame.Data)
		if err != nil {
			log.Warnf("[XCVR%v] invalid first frame from %v : %v", transceiver.busID, frame.ID, err)
			return
		}
		frameCount, err := codec.FrameCount(int(totalLength))
		if err != nil {
			return
		}
		receiver.FirstDataFrameReceived(params, uint16(frameCount), totalLength, payload)
	case FrameKindConsecutive:
		sequence, payload, err := codec.DecodeConsecutiveFrame(frame.Data)
		if err != nil {
			log.Warnf("[XCVR%v] invalid consecutive frame from %v : %v", transceiver.busID, frame.ID, err)
			return
		}
		receiver.ConsecutiveDataFrameReceived(params.RxID, sequence, payload)
	case FrameKindFlowControl:
		status, blockSize, encodedStMin, err := codec.DecodeFlowControl(frame.Data)
		if err != nil {
			log.Warnf("[XCVR%v] invalid flow control frame from %v : %v", transceiver.busID, frame.ID, err)
			return
		}
		receiver.FlowControlFrameReceived(params.RxID, status, blockSize, encodedStMin)
	}
}
