package docan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFrameRoundTrip(t *testing.T) {
	codec := NewCodec(OptimizedClassic)
	payload := []byte{0x12, 0x34}
	data, err := codec.EncodeSingleFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x12, 0x34}, data)

	assert.Equal(t, FrameKindSingle, codec.DecodeFrameKind(data))
	decoded, err := codec.DecodeSingleFrame(data)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestSingleFramePadding(t *testing.T) {
	codec := NewCodec(PaddedClassic)
	data, err := codec.EncodeSingleFrame([]byte{0xAB})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xAB, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, data)
}

func TestSingleFrameEscapeFD(t *testing.T) {
	codec := NewCodec(OptimizedFD)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	data, err := codec.EncodeSingleFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), data[0])
	assert.Equal(t, byte(20), data[1])

	decoded, err := codec.DecodeSingleFrame(data)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestFirstFrameRoundTrip(t *testing.T) {
	codec := NewCodec(OptimizedClassic)
	message := make([]byte, 15)
	for i := range message {
		message[i] = byte(i + 1)
	}
	data, err := codec.EncodeFirstFrame(len(message), message[:codec.FirstFramePayloadSize(len(message))])
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), data[0])
	assert.Equal(t, byte(0x0F), data[1])

	totalLength, payload, err := codec.DecodeFirstFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), totalLength)
	assert.Equal(t, message[:6], payload)
}

func TestFirstFrameEscape(t *testing.T) {
	codec := NewCodec(OptimizedFD)
	messageLength := 0x12345
	payloadSize := codec.FirstFramePayloadSize(messageLength)
	assert.Equal(t, 64-6, payloadSize)
	payload := make([]byte, payloadSize)
	data, err := codec.EncodeFirstFrame(messageLength, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 0x01, 0x23, 0x45}, data[:6])

	totalLength, _, err := codec.DecodeFirstFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(messageLength), totalLength)
}

func TestConsecutiveFrameRoundTrip(t *testing.T) {
	codec := NewCodec(OptimizedClassic)
	payload := []byte{0x9A, 0x5F, 0x14}
	data, err := codec.EncodeConsecutiveFrame(5, payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x25), data[0])

	sequence, decoded, err := codec.DecodeConsecutiveFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), sequence)
	assert.Equal(t, payload, decoded)
}

func TestFlowControlRoundTrip(t *testing.T) {
	codec := NewCodec(OptimizedClassic)
	data := codec.EncodeFlowControl(FlowStatusContinue, 8, 0xF5)
	assert.Equal(t, []byte{0x30, 0x08, 0xF5}, data)

	status, blockSize, stMin, err := codec.DecodeFlowControl(data)
	require.NoError(t, err)
	assert.Equal(t, FlowStatusContinue, status)
	assert.Equal(t, uint8(8), blockSize)
	assert.Equal(t, uint8(0xF5), stMin)

	_, _, _, err = codec.DecodeFlowControl([]byte{0x3F, 0x00, 0x00})
	assert.Error(t, err)
}

func TestFrameCount(t *testing.T) {
	codec := NewCodec(OptimizedClassic)
	cases := []struct {
		length int
		frames int
	}{
		{1, 1},
		{7, 1},
		{8, 2},
		{13, 2},
		{14, 3},
		{15, 3},
		{20, 3},
		{21, 4},
	}
	for _, c := range cases {
		frames, err := codec.FrameCount(c.length)
		require.NoError(t, err)
		assert.Equal(t, c.frames, frames, "length %v", c.length)
	}
	_, err := codec.FrameCount(0)
	assert.Error(t, err)
}

// Message round trip across every preset: encode all frames of a
// message and feed them through a decoder, expecting the identical
// byte sequence and frame count.
func TestMessageRoundTripAllPresets(t *testing.T) {
	presets := map[string]FrameCodecConfig{
		"paddedClassic":    PaddedClassic,
		"paddedFD":         PaddedFD,
		"optimizedClassic": OptimizedClassic,
		"optimizedFD":      OptimizedFD,
	}
	lengths := []int{1, 6, 7, 8, 15, 62, 63, 100, 512}

	for name, preset := range presets {
		codec := NewCodec(preset)
		for _, length := range lengths {
			message := make([]byte, length)
			for i := range message {
				message[i] = byte(i * 7)
			}
			frameCount, err := codec.FrameCount(length)
			require.NoError(t, err)

			var reassembled []byte
			if frameCount == 1 {
				data, err := codec.EncodeSingleFrame(message)
				require.NoError(t, err, "%v len %v", name, length)
				decoded, err := codec.DecodeSingleFrame(data)
				require.NoError(t, err)
				reassembled = append(reassembled, decoded...)
			} else {
				ffSize := codec.FirstFramePayloadSize(length)
				data, err := codec.EncodeFirstFrame(length, message[:ffSize])
				require.NoError(t, err, "%v len %v", name, length)
				totalLength, payload, err := codec.DecodeFirstFrame(data)
				require.NoError(t, err)
				require.Equal(t, uint32(length), totalLength)
				reassembled = append(reassembled, payload...)

				cfSize := codec.ConsecutiveFramePayloadSize()
				for index := 1; index < frameCount; index++ {
					start := ffSize + (index-1)*cfSize
					end := start + cfSize
					if end > length {
						end = length
					}
					data, err := codec.EncodeConsecutiveFrame(uint8(index&0x0F), message[start:end])
					require.NoError(t, err)
					sequence, payload, err := codec.DecodeConsecutiveFrame(data)
					require.NoError(t, err)
					require.Equal(t, uint8(index&0x0F), sequence)
					remaining := length - len(reassembled)
					if len(payload) > remaining {
						payload = payload[:remaining]
					}
					reassembled = append(reassembled, payload...)
				}
			}
			assert.Equal(t, message, reassembled, "%v len %v", name, length)
		}
	}
}

// Extended addressing leaves the first byte to the caller
func TestCodecWithOffset(t *testing.T) {
	config := OptimizedClassic
	config.Offset = 1
	codec := NewCodec(config)

	data, err := codec.EncodeSingleFrame([]byte{0x3E, 0x00})
	require.NoError(t, err)
	require.Len(t, data, 4)
	assert.Equal(t, byte(0x00), data[0])
	assert.Equal(t, byte(0x02), data[1])

	data[0] = 0x55 // target address byte
	decoded, err := codec.DecodeSingleFrame(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3E, 0x00}, decoded)
}
