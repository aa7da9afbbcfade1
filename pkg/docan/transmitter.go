package docan

import (
	"ecudiag/pkg/transport"

	log "github.com/sirupsen/logrus"
)

type transmitterState uint8

const (
	txStateIdle transmitterState = iota
	txStateSending
	txStateWaitFlowControl
	txStateWaitSeparation
)

const blockUnlimited uint16 = 0xFFFF

// Pool allocated transmitter holding the state of one outbound
// connection.
type messageTransmitter struct {
	message        *transport.Message
	listener       transport.MessageProcessedListener
	params         TransmissionParameters
	jobHandle      uint16
	frameCount     uint16
	sentFrames     uint16
	windowEnd      uint16
	blockRemaining uint16
	cfDataSize     uint8
	fcWaitCount    uint8
	stMinUs        uint32
	nextCfTimeUs   uint32
	deadlineUs     uint32
	state          transmitterState
	inUse          bool
}

// DataFramesSent is the transceiver's confirmation that a batch of
// frames left the wire.
func (layer *TransportLayer) DataFramesSent(jobHandle uint16, framesSent uint16, ok bool) {
	nowUs := layer.params.NowUs()
	var notify []pendingNotification

	layer.mu.Lock()
	transmitter := layer.findTransmitterByHandle(jobHandle)
	if transmitter == nil {
		layer.mu.Unlock()
		return
	}
	if !ok {
		notify = append(notify, layer.failTransmitter(transmitter, "frame emission failed"))
		layer.mu.Unlock()
		layer.notifyProcessed(notify)
		return
	}
	transmitter.sentFrames = transmitter.windowEnd

	switch {
	case transmitter.sentFrames == transmitter.frameCount:
		log.Debugf("[TP%v][TX] message of %v bytes %x -> %x sent", layer.busID, transmitter.message.ValidBytes(), transmitter.message.SourceID(), transmitter.message.TargetID())
		notify = append(notify, pendingNotification{transmitter.listener, transmitter.message, transport.ProcessedNoError})
		layer.releaseTransmitter(transmitter)
	case transmitter.sentFrames == 1 || transmitter.blockRemaining == 0:
		// First frame out or block exhausted : await flow control
		transmitter.state = txStateWaitFlowControl
		transmitter.deadlineUs = nowUs + uint32(layer.params.WaitFlowControlTimeout)*1000
	default:
		layer.armNextConsecutive(transmitter, nowUs)
	}
	layer.mu.Unlock()
	layer.notifyProcessed(notify)
	layer.drainBatchStarts()
}

// FlowControlFrameReceived advances a transmitter waiting for the
// peer's flow control.
func (layer *TransportLayer) FlowControlFrameReceived(rxID uint32, status FlowStatus, blockSize uint8, encodedStMin uint8) {
	nowUs := layer.params.NowUs()
	var notify []pendingNotification

	layer.mu.Lock()
	transmitter := layer.findTransmitterByRxID(rxID)
	if transmitter == nil || transmitter.state != txStateWaitFlowControl {
		layer.mu.Unlock()
		log.Debugf("[TP%v][TX] unexpected flow control from %x ignored", layer.busID, rxID)
		return
	}
	switch status {
	case FlowStatusContinue:
		transmitter.fcWaitCount = 0
		transmitter.stMinUs = DecodeMinSeparationTime(encodedStMin)
		if blockSize == 0 {
			transmitter.blockRemaining = blockUnlimited
		} else {
			transmitter.blockRemaining = uint16(blockSize)
		}
		transmitter.nextCfTimeUs = nowUs
		layer.armNextConsecutive(transmitter, nowUs)
	case FlowStatusWait:
		transmitter.fcWaitCount++
		if transmitter.fcWaitCount > layer.params.MaxFlowControlWaitCount {
			notify = append(notify, layer.failTransmitter(transmitter, "flow control wait budget exhausted"))
		} else {
			transmitter.deadlineUs = nowUs + uint32(layer.params.WaitFlowControlTimeout)*1000
		}
	case FlowStatusOverflow:
		notify = append(notify, layer.failTransmitter(transmitter, "peer signalled overflow"))
	}
	layer.mu.Unlock()
	layer.notifyProcessed(notify)
	layer.drainBatchStarts()
}

// armNextConsecutive prepares the next consecutive frame emission,
// honouring separation time pacing. Caller holds the layer lock.
func (layer *TransportLayer) armNextConsecutive(transmitter *messageTransmitter, nowUs uint32) {
	if transmitter.stMinUs == 0 || !isBeforeUs(nowUs, transmitter.nextCfTimeUs) {
		layer.startNextBatch(transmitter, nowUs)
		return
	}
	transmitter.state = txStateWaitSeparation
	if layer.tickGen != nil {
		layer.tickGen.TickNeeded()
	}
}

// startNextBatch hands the next frame window to the transceiver.
// With pacing active the window is a single consecutive frame;
// without it the whole remaining block goes out as one batch.
// Caller holds the layer lock; the transceiver call is deferred to
// pendingStarts drained by the callers outside the lock.
func (layer *TransportLayer) startNextBatch(transmitter *messageTransmitter, nowUs uint32) {
	first := transmitter.sentFrames
	last := transmitter.frameCount
	if transmitter.stMinUs > 0 {
		last = first + 1
	}
	if transmitter.blockRemaining != blockUnlimited {
		if windowMax := first + transmitter.blockRemaining; windowMax < last {
			last = windowMax
		}
	}
	if transmitter.blockRemaining != blockUnlimited {
		transmitter.blockRemaining -= last - first
	}
	if transmitter.stMinUs > 0 {
		transmitter.nextCfTimeUs = nowUs + transmitter.stMinUs
	}
	transmitter.windowEnd = last
	transmitter.state = txStateSending
	transmitter.deadlineUs = nowUs + uint32(layer.params.WaitTxCallbackTimeout)*1000
	layer.pendingStarts = append(layer.pendingStarts, batchStart{
		codec:      transmitter.params.Codec,
		handle:     transmitter.jobHandle,
		txAddr:     transmitter.params.DataLink.TransmissionID,
		firstIdx:   first,
		lastIdx:    last,
		cfDataSize: transmitter.cfDataSize,
		payload:    transmitter.message.Payload(),
	})
}

type batchStart struct {
	codec      *Codec
	payload    []byte
	txAddr     uint32
	handle     uint16
	firstIdx   uint16
	lastIdx    uint16
	cfDataSize uint8
}

type pendingNotification struct {
	listener transport.MessageProcessedListener
	message  *transport.Message
	result   transport.ProcessingResult
}

// drainBatchStarts issues deferred transceiver calls outside the
// layer lock. The sent callback may recurse into the layer.
func (layer *TransportLayer) drainBatchStarts() {
	for {
		layer.mu.Lock()
		if len(layer.pendingStarts) == 0 {
			layer.mu.Unlock()
			return
		}
		start := layer.pendingStarts[0]
		layer.pendingStarts = layer.pendingStarts[1:]
		layer.mu.Unlock()

		result := layer.transceiver.StartSendDataFrames(start.codec, layer, start.handle, start.txAddr, start.firstIdx, start.lastIdx, start.cfDataSize, start.payload)
		if result == SendResultFailed {
			var notify []pendingNotification
			layer.mu.Lock()
			if transmitter := layer.findTransmitterByHandle(start.handle); transmitter != nil {
				notify = append(notify, layer.failTransmitter(transmitter, "transceiver rejected batch"))
			}
			layer.mu.Unlock()
			layer.notifyProcessed(notify)
		}
	}
}

// processPacing emits consecutive frames whose separation time
// elapsed. Returns true while any transmitter still paces.
func (layer *TransportLayer) processPacing(nowUs uint32) bool {
	layer.mu.Lock()
	pacing := false
	for i := range layer.transmitters {
		transmitter := &layer.transmitters[i]
		if !transmitter.inUse || transmitter.state != txStateWaitSeparation {
			continue
		}
		if isBeforeUs(nowUs, transmitter.nextCfTimeUs) {
			pacing = true
			continue
		}
		layer.startNextBatch(transmitter, nowUs)
	}
	for i := range layer.transmitters {
		transmitter := &layer.transmitters[i]
		if transmitter.inUse && transmitter.state == txStateWaitSeparation {
			pacing = true
		}
	}
	layer.mu.Unlock()

	layer.drainBatchStarts()
	return pacing
}

// processTransmitterTimeouts supervises callback and flow control
// deadlines from the cyclic task.
func (layer *TransportLayer) processTransmitterTimeouts(nowUs uint32) {
	var notify []pendingNotification
	layer.mu.Lock()
	for i := range layer.transmitters {
		transmitter := &layer.transmitters[i]
		if !transmitter.inUse {
			continue
		}
		switch transmitter.state {
		case txStateSending:
			if !isBeforeUs(nowUs, transmitter.deadlineUs) {
				notify = append(notify, layer.failTransmitter(transmitter, "transmit callback timeout"))
			}
		case txStateWaitFlowControl:
			if !isBeforeUs(nowUs, transmitter.deadlineUs) {
				notify = append(notify, layer.failTransmitter(transmitter, "flow control timeout"))
			}
		}
	}
	layer.mu.Unlock()
	layer.notifyProcessed(notify)
}

// failTransmitter releases the slot and prepares the error
// notification. Caller holds the layer lock.
func (layer *TransportLayer) failTransmitter(transmitter *messageTransmitter, reason string) pendingNotification {
	log.Warnf("[TP%v][TX] transmission %x -> %x failed : %v", layer.busID, transmitter.message.SourceID(), transmitter.message.TargetID(), reason)
	notification := pendingNotification{transmitter.listener, transmitter.message, transport.ProcessedError}
	layer.releaseTransmitter(transmitter)
	return notification
}

func (layer *TransportLayer) releaseTransmitter(transmitter *messageTransmitter) {
	transmitter.state = txStateIdle
	transmitter.inUse = false
	transmitter.message = nil
	transmitter.listener = nil
}

func (layer *TransportLayer) releaseTransmitterByHandle(handle uint16) {
	if transmitter := layer.findTransmitterByHandle(handle); transmitter != nil {
		layer.releaseTransmitter(transmitter)
	}
}

func (layer *TransportLayer) findTransmitterByHandle(handle uint16) *messageTransmitter {
	for i := range layer.transmitters {
		transmitter := &layer.transmitters[i]
		if transmitter.inUse && transmitter.jobHandle == handle {
			return transmitter
		}
	}
	return nil
}

func (layer *TransportLayer) findTransmitterByRxID(rxID uint32) *messageTransmitter {
	for i := range layer.transmitters {
		transmitter := &layer.transmitters[i]
		if transmitter.inUse && transmitter.params.DataLink.ReceptionID == rxID {
			return transmitter
		}
	}
	return nil
}

func (layer *TransportLayer) notifyProcessed(notifications []pendingNotification) {
	for _, notification := range notifications {
		if notification.listener != nil {
			notification.listener.TransportMessageProcessed(notification.message, notification.result)
		}
	}
	layer.checkShutdownComplete()
}
