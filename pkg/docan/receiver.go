package docan

import (
	"ecudiag/pkg/transport"

	log "github.com/sirupsen/logrus"
)

type receiverState uint8

const (
	rxStateIdle receiverState = iota
	rxStateAllocate
	rxStateWaitConsecutive
	rxStateProcessing
)

// Pool allocated receiver holding the state of one inbound
// connection, from first or single frame until delivery upward or
// failure.
type messageReceiver struct {
	params             ReceptionParameters
	message            *transport.Message
	firstPayload       []byte
	totalLength        uint32
	frameCount         uint16
	receivedFrames     uint16
	sequence           uint8
	blockCount         uint8
	allocateRetryCount uint8
	fcWaitCount        uint8
	deadlineUs         uint32
	state              receiverState
	inUse              bool
	delivered          bool
}

// FirstDataFrameReceived handles both single frames (frameCount 1)
// and the first frame of a segmented message.
func (layer *TransportLayer) FirstDataFrameReceived(params ReceptionParameters, frameCount uint16, totalLength uint32, firstPayload []byte) {
	nowUs := layer.params.NowUs()

	layer.mu.Lock()
	if layer.shuttingDown {
		layer.mu.Unlock()
		return
	}
	// A new first frame on an active connection restarts it
	if receiver := layer.findReceiver(params.RxID); receiver != nil {
		log.Warnf("[TP%v][RX] connection %x restarted by new first frame", layer.busID, params.RxID)
		layer.dropReceiver(receiver)
	}
	receiver := layer.allocateReceiver()
	if receiver == nil {
		layer.mu.Unlock()
		log.Warnf("[TP%v][RX] no receiver available, dropping message from %x", layer.busID, params.Address.SourceID)
		return
	}
	receiver.params = params
	receiver.totalLength = totalLength
	receiver.frameCount = frameCount
	receiver.receivedFrames = 1
	receiver.sequence = 1
	receiver.blockCount = 0
	receiver.allocateRetryCount = 0
	receiver.fcWaitCount = 0
	receiver.firstPayload = append(receiver.firstPayload[:0], firstPayload...)
	receiver.state = rxStateAllocate
	receiver.deadlineUs = nowUs + uint32(layer.params.WaitAllocateTimeout)*1000
	layer.tryAllocate(receiver, nowUs)
	layer.mu.Unlock()

	layer.deliverReady()
}

// ConsecutiveDataFrameReceived validates the sequence number and
// appends the payload. A mismatch terminates the connection.
func (layer *TransportLayer) ConsecutiveDataFrameReceived(rxID uint32, sequence uint8, payload []byte) {
	nowUs := layer.params.NowUs()

	layer.mu.Lock()
	receiver := layer.findReceiver(rxID)
	if receiver == nil || receiver.state != rxStateWaitConsecutive {
		layer.mu.Unlock()
		log.Debugf("[TP%v][RX] unexpected consecutive frame from %x", layer.busID, rxID)
		return
	}
	if sequence != receiver.sequence {
		log.Warnf("[TP%v][RX] sequence mismatch on %x : got %v, expected %v", layer.busID, rxID, sequence, receiver.sequence)
		layer.dropReceiver(receiver)
		layer.mu.Unlock()
		return
	}
	receiver.sequence = (receiver.sequence + 1) & 0x0F
	remaining := int(receiver.totalLength) - receiver.message.ValidBytes()
	if len(payload) > remaining {
		payload = payload[:remaining]
	}
	receiver.message.Append(payload)
	receiver.receivedFrames++
	receiver.deadlineUs = nowUs + uint32(layer.params.WaitRxTimeout)*1000

	if receiver.message.ValidBytes() == int(receiver.totalLength) {
		receiver.state = rxStateProcessing
	} else if blockSize := layer.params.MaxBlockSize; blockSize != 0 {
		receiver.blockCount++
		if receiver.blockCount == blockSize {
			receiver.blockCount = 0
			layer.sendFlowControlLocked(receiver, FlowStatusContinue)
		}
	}
	layer.mu.Unlock()

	layer.deliverReady()
}

// tryAllocate requests a message buffer from the provider. Caller
// holds the layer lock.
func (layer *TransportLayer) tryAllocate(receiver *messageReceiver, nowUs uint32) {
	message, code := layer.provider.GetTransportMessage(
		layer.busID,
		receiver.params.Address.SourceID,
		receiver.params.Address.TargetID,
		int(receiver.totalLength),
	)
	switch code {
	case transport.GetMessageOK:
		receiver.message = message
		message.Append(receiver.firstPayload)
		if receiver.frameCount == 1 {
			receiver.state = rxStateProcessing
			return
		}
		receiver.state = rxStateWaitConsecutive
		receiver.deadlineUs = nowUs + uint32(layer.params.WaitRxTimeout)*1000
		receiver.blockCount = 0
		layer.sendFlowControlLocked(receiver, FlowStatusContinue)
	case transport.GetMessageNoMessageAvailable:
		// Stay in allocate state, retried from the cyclic task
	case transport.GetMessageSizeTooLarge:
		log.Warnf("[TP%v][RX] message of %v bytes from %x too large", layer.busID, receiver.totalLength, receiver.params.Address.SourceID)
		if receiver.frameCount > 1 {
			layer.sendFlowControlLocked(receiver, FlowStatusOverflow)
		}
		layer.dropReceiver(receiver)
	}
}

// sendFlowControlLocked emits a flow control frame for the given
// receiver. Caller holds the layer lock.
func (layer *TransportLayer) sendFlowControlLocked(receiver *messageReceiver, status FlowStatus) {
	blockSize := uint8(0)
	stMin := uint8(0)
	if status == FlowStatusContinue {
		blockSize = layer.params.MaxBlockSize
		stMin = layer.params.EncodedMinSeparationTime()
	}
	result := layer.transceiver.SendFlowControl(receiver.params.Codec, receiver.params.TxID, status, blockSize, stMin)
	if result == SendResultFailed {
		log.Warnf("[TP%v][RX] flow control send failed on %x", layer.busID, receiver.params.TxID)
	}
}

// processReceiverTimeouts drives allocation retries and reception
// timeouts from the cyclic task.
func (layer *TransportLayer) processReceiverTimeouts(nowUs uint32) {
	layer.mu.Lock()
	for i := range layer.receivers {
		receiver := &layer.receivers[i]
		if !receiver.inUse {
			continue
		}
		switch receiver.state {
		case rxStateAllocate:
			receiver.allocateRetryCount++
			if receiver.allocateRetryCount > layer.params.MaxAllocateRetryCount || !isBeforeUs(nowUs, receiver.deadlineUs) {
				log.Warnf("[TP%v][RX] buffer allocation for %x exhausted, dropping", layer.busID, receiver.params.RxID)
				if receiver.frameCount > 1 {
					layer.sendFlowControlLocked(receiver, FlowStatusOverflow)
				}
				layer.dropReceiver(receiver)
				continue
			}
			// Hold the peer off while waiting for a buffer
			if receiver.frameCount > 1 && receiver.fcWaitCount < layer.params.MaxFlowControlWaitCount {
				receiver.fcWaitCount++
				layer.sendFlowControlLocked(receiver, FlowStatusWait)
			}
			layer.tryAllocate(receiver, nowUs)
		case rxStateWaitConsecutive:
			if !isBeforeUs(nowUs, receiver.deadlineUs) {
				log.Warnf("[TP%v][RX] reception timeout on %x after %v frames", layer.busID, receiver.params.RxID, receiver.receivedFrames)
				layer.dropReceiver(receiver)
			}
		}
	}
	layer.mu.Unlock()

	layer.deliverReady()
}

// deliverReady hands completed messages to the listener outside the
// layer lock; the listener acknowledges through
// TransportMessageProcessed.
func (layer *TransportLayer) deliverReady() {
	for {
		layer.mu.Lock()
		var ready *messageReceiver
		for i := range layer.receivers {
			receiver := &layer.receivers[i]
			if receiver.inUse && receiver.state == rxStateProcessing && receiver.message != nil && !receiver.delivered {
				ready = receiver
				break
			}
		}
		if ready == nil {
			layer.mu.Unlock()
			return
		}
		listener := layer.listener
		if listener == nil {
			log.Warnf("[TP%v][RX] no message listener, dropping message", layer.busID)
			layer.dropReceiver(ready)
			layer.mu.Unlock()
			continue
		}
		ready.delivered = true
		message := ready.message
		layer.mu.Unlock()

		log.Debugf("[TP%v][RX] message of %v bytes %x -> %x received", layer.busID, message.ValidBytes(), message.SourceID(), message.TargetID())
		listener.MessageReceived(layer.busID, message, layer)
	}
}

// TransportMessageProcessed releases the receiver slot once the
// listener consumed the message.
func (layer *TransportLayer) TransportMessageProcessed(message *transport.Message, result transport.ProcessingResult) {
	layer.mu.Lock()
	for i := range layer.receivers {
		receiver := &layer.receivers[i]
		if receiver.inUse && receiver.message == message {
			layer.dropReceiver(receiver)
			break
		}
	}
	layer.mu.Unlock()
	layer.checkShutdownComplete()
}

func (layer *TransportLayer) allocateReceiver() *messageReceiver {
	for i := range layer.receivers {
		if !layer.receivers[i].inUse {
			receiver := &layer.receivers[i]
			receiver.inUse = true
			receiver.delivered = false
			receiver.message = nil
			return receiver
		}
	}
	return nil
}

func (layer *TransportLayer) findReceiver(rxID uint32) *messageReceiver {
	for i := range layer.receivers {
		receiver := &layer.receivers[i]
		if receiver.inUse && receiver.params.RxID == rxID && receiver.state != rxStateProcessing {
			return receiver
		}
	}
	return nil
}

// dropReceiver releases the slot and returns the buffer to the
// provider. Caller holds the layer lock.
func (layer *TransportLayer) dropReceiver(receiver *messageReceiver) {
	if receiver.message != nil {
		layer.provider.ReleaseTransportMessage(receiver.message)
		receiver.message = nil
	}
	receiver.state = rxStateIdle
	receiver.inUse = false
	receiver.delivered = false
}

// isBeforeUs orders two stamps of the wrapping microsecond clock
func isBeforeUs(a uint32, b uint32) bool {
	return int32(a-b) < 0
}
