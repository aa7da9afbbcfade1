package docan

import (
	"testing"

	"ecudiag/pkg/can"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentRecorder struct {
	handles []uint16
	frames  []uint16
	results []bool
}

func (recorder *sentRecorder) DataFramesSent(jobHandle uint16, framesSent uint16, ok bool) {
	recorder.handles = append(recorder.handles, jobHandle)
	recorder.frames = append(recorder.frames, framesSent)
	recorder.results = append(recorder.results, ok)
}

func newTransceiverFixture(t *testing.T) (*PhysicalTransceiver, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	codec := NewCodec(OptimizedClassic)
	filter := NewAddressingFilter([]AddressingEntry{
		{CanRxID: 0x513, CanTxID: 0x7A2, SourceID: 0xF54, TargetID: 0x83},
	}, []*Codec{codec})
	transceiver := NewPhysicalTransceiver(0, bus, filter)
	require.NoError(t, transceiver.Open(nopFrameReceiver{}))
	return transceiver, bus
}

type nopFrameReceiver struct{}

func (nopFrameReceiver) FirstDataFrameReceived(ReceptionParameters, uint16, uint32, []byte) {}

func (nopFrameReceiver) ConsecutiveDataFrameReceived(uint32, uint8, []byte) {}

func (nopFrameReceiver) FlowControlFrameReceived(uint32, FlowStatus, uint8, uint8) {}

func TestTransceiverSendsBatchInOrder(t *testing.T) {
	transceiver, bus := newTransceiverFixture(t)
	codec := NewCodec(OptimizedClassic)
	recorder := &sentRecorder{}

	payload := make([]byte, 20)
	result := transceiver.StartSendDataFrames(codec, recorder, 1, 0x7A2, 0, 3, 7, payload)
	assert.Equal(t, SendResultSent, result)

	require.Len(t, bus.frames, 3)
	assert.Equal(t, byte(0x10), bus.frames[0].Data[0])
	assert.Equal(t, byte(0x21), bus.frames[1].Data[0])
	assert.Equal(t, byte(0x22), bus.frames[2].Data[0])
	require.Len(t, recorder.handles, 1)
	assert.Equal(t, uint16(3), recorder.frames[0])
	assert.True(t, recorder.results[0])
}

func TestTransceiverBackPressureRetry(t *testing.T) {
	transceiver, bus := newTransceiverFixture(t)
	codec := NewCodec(OptimizedClassic)
	recorder := &sentRecorder{}

	bus.failSend = true
	result := transceiver.StartSendDataFrames(codec, recorder, 1, 0x7A2, 0, 1, 7, []byte{0x3E})
	// The transceiver keeps responsibility while the driver pushes
	// back
	assert.Equal(t, SendResultQueued, result)
	assert.Empty(t, recorder.handles)

	bus.failSend = false
	assert.True(t, transceiver.ProcessQueue())
	require.Len(t, bus.frames, 1)
	require.Len(t, recorder.handles, 1)
	assert.True(t, recorder.results[0])
}

func TestTransceiverMuteHoldsFrames(t *testing.T) {
	transceiver, bus := newTransceiverFixture(t)
	codec := NewCodec(OptimizedClassic)
	recorder := &sentRecorder{}

	transceiver.Mute()
	assert.Equal(t, TransceiverMuted, transceiver.State())
	result := transceiver.StartSendDataFrames(codec, recorder, 1, 0x7A2, 0, 1, 7, []byte{0x3E})
	assert.NotEqual(t, SendResultFailed, result)
	assert.Empty(t, bus.frames)

	transceiver.Unmute()
	require.Len(t, bus.frames, 1)
	require.Len(t, recorder.handles, 1)
}

func TestTransceiverCallbackOrderFollowsRequests(t *testing.T) {
	transceiver, bus := newTransceiverFixture(t)
	codec := NewCodec(OptimizedClassic)
	recorder := &sentRecorder{}

	transceiver.Mute()
	for handle := uint16(1); handle <= 3; handle++ {
		transceiver.StartSendDataFrames(codec, recorder, handle, 0x7A2, 0, 1, 7, []byte{byte(handle)})
	}
	transceiver.Unmute()

	require.Len(t, bus.frames, 3)
	assert.Equal(t, []uint16{1, 2, 3}, recorder.handles)
}
