package docan

import (
	"encoding/binary"
	"fmt"
)

// ISO 15765-2 frame kinds, encoded in the high nibble of the first
// protocol byte
type FrameKind uint8

const (
	FrameKindSingle      FrameKind = 0
	FrameKindFirst       FrameKind = 1
	FrameKindConsecutive FrameKind = 2
	FrameKindFlowControl FrameKind = 3
	FrameKindInvalid     FrameKind = 0xFF
)

// Flow control status values
type FlowStatus uint8

const (
	FlowStatusContinue FlowStatus = 0 // CTS
	FlowStatusWait     FlowStatus = 1
	FlowStatusOverflow FlowStatus = 2
)

// Allowed frame length range for one frame kind
type SizeRange struct {
	Min uint8
	Max uint8
}

// Per frame kind length ranges plus filler byte for padding and
// header offset (1 for extended addressing, 0 otherwise)
type FrameCodecConfig struct {
	SF     SizeRange
	FF     SizeRange
	CF     SizeRange
	FC     SizeRange
	Filler byte
	Offset uint8
}

var PaddedClassic = FrameCodecConfig{
	SF:     SizeRange{8, 8},
	FF:     SizeRange{8, 8},
	CF:     SizeRange{8, 8},
	FC:     SizeRange{8, 8},
	Filler: 0xCC,
}

var PaddedFD = FrameCodecConfig{
	SF:     SizeRange{8, 64},
	FF:     SizeRange{64, 64},
	CF:     SizeRange{8, 64},
	FC:     SizeRange{8, 64},
	Filler: 0xCC,
}

var OptimizedClassic = FrameCodecConfig{
	SF:     SizeRange{0, 8},
	FF:     SizeRange{8, 8},
	CF:     SizeRange{0, 8},
	FC:     SizeRange{0, 8},
	Filler: 0xCC,
}

var OptimizedFD = FrameCodecConfig{
	SF:     SizeRange{0, 64},
	FF:     SizeRange{64, 64},
	CF:     SizeRange{0, 64},
	FC:     SizeRange{0, 64},
	Filler: 0xCC,
}

// Codec encodes and decodes the ISO 15765-2 frame set for one
// configuration. The first Offset bytes of every frame are left to
// the caller (target address byte with extended addressing).
type Codec struct {
	config FrameCodecConfig
}

func NewCodec(config FrameCodecConfig) *Codec {
	return &Codec{config: config}
}

func (codec *Codec) Config() FrameCodecConfig { return codec.config }

// Largest payload that still fits a single frame
func (codec *Codec) SingleFramePayloadCapacity() int {
	offset := int(codec.config.Offset)
	if codec.config.SF.Max <= 8 {
		return int(codec.config.SF.Max) - offset - 1
	}
	// FD escape uses a dedicated length byte
	return int(codec.config.SF.Max) - offset - 2
}

// Payload bytes carried by the first frame of a message of the
// given total length
func (codec *Codec) FirstFramePayloadSize(totalLength int) int {
	headerSize := int(codec.config.Offset) + 2
	if totalLength > 0xFFF {
		headerSize = int(codec.config.Offset) + 6
	}
	return int(codec.config.FF.Max) - headerSize
}

// Payload bytes carried by one consecutive frame
func (codec *Codec) ConsecutiveFramePayloadSize() int {
	return int(codec.config.CF.Max) - int(codec.config.Offset) - 1
}

// Number of frames needed to transfer a message
func (codec *Codec) FrameCount(messageLength int) (int, error) {
	if messageLength <= 0 {
		return 0, fmt.Errorf("invalid message length %v", messageLength)
	}
	if messageLength <= codec.SingleFramePayloadCapacity() {
		return 1, nil
	}
	remaining := messageLength - codec.FirstFramePayloadSize(messageLength)
	cfPayload := codec.ConsecutiveFramePayloadSize()
	return 1 + (remaining+cfPayload-1)/cfPayload, nil
}

// DecodeFrameKind classifies a received frame. Frames too short to
// carry a protocol byte are invalid.
func (codec *Codec) DecodeFrameKind(data []byte) FrameKind {
	if len(data) <= int(codec.config.Offset) {
		return FrameKindInvalid
	}
	nibble := data[codec.config.Offset] >> 4
	if nibble > 3 {
		return FrameKindInvalid
	}
	return FrameKind(nibble)
}

// DecodeSingleFrame extracts the payload of a single frame,
// handling the FD escape form (low nibble zero, next byte length).
func (codec *Codec) DecodeSingleFrame(data []byte) ([]byte, error) {
	offset := int(codec.config.Offset)
	length := int(data[offset] & 0x0F)
	payloadStart := offset + 1
	if length == 0 {
		if codec.config.SF.Max <= 8 {
			return nil, fmt.Errorf("single frame escape with classic codec")
		}
		if len(data) < offset+2 {
			return nil, fmt.Errorf("truncated single frame")
		}
		length = int(data[offset+1])
		payloadStart = offset + 2
	}
	if length == 0 || payloadStart+length > len(data) {
		return nil, fmt.Errorf("single frame length %v exceeds frame size %v", length, len(data))
	}
	return data[payloadStart : payloadStart+length], nil
}

// DecodeFirstFrame extracts the total message length and the first
// payload slice of a segmented message. The 32 bit escape form is
// used when the 12 bit length field is zero.
func (codec *Codec) DecodeFirstFrame(data []byte) (uint32, []byte, error) {
	offset := int(codec.config.Offset)
	if len(data) < offset+2 {
		return 0, nil, fmt.Errorf("truncated first frame")
	}
	totalLength := (uint32(data[offset]&0x0F) << 8) | uint32(data[offset+1])
	payloadStart := offset + 2
	if totalLength == 0 {
		if len(data) < offset+6 {
			return 0, nil, fmt.Errorf("truncated escaped first frame")
		}
		totalLength = binary.BigEndian.Uint32(data[offset+2 : offset+6])
		payloadStart = offset + 6
	}
	if int(totalLength) <= codec.SingleFramePayloadCapacity() {
		return 0, nil, fmt.Errorf("first frame with single frame length %v", totalLength)
	}
	if payloadStart >= len(data) {
		return 0, nil, fmt.Errorf("first frame without payload")
	}
	payload := data[payloadStart:]
	if uint32(len(payload)) > totalLength {
		payload = payload[:totalLength]
	}
	return totalLength, payload, nil
}

// DecodeConsecutiveFrame extracts sequence number and payload
func (codec *Codec) DecodeConsecutiveFrame(data []byte) (uint8, []byte, error) {
	offset := int(codec.config.Offset)
	if len(data) < offset+2 {
		return 0, nil, fmt.Errorf("truncated consecutive frame")
	}
	sequence := data[offset] & 0x0F
	return sequence, data[offset+1:], nil
}

// DecodeFlowControl extracts status, block size and encoded STmin
func (codec *Codec) DecodeFlowControl(data []byte) (FlowStatus, uint8, uint8, error) {
	offset := int(codec.config.Offset)
	if len(data) < offset+3 {
		return 0, 0, 0, fmt.Errorf("truncated flow control frame")
	}
	status := FlowStatus(data[offset] & 0x0F)
	if status > FlowStatusOverflow {
		return 0, 0, 0, fmt.Errorf("invalid flow status %v", status)
	}
	return status, data[offset+1], data[offset+2], nil
}

// EncodeSingleFrame writes a complete single frame into a fresh
// buffer, including padding up to the configured minimum size
func (codec *Codec) EncodeSingleFrame(payload []byte) ([]byte, error) {
	offset := int(codec.config.Offset)
	if len(payload) > codec.SingleFramePayloadCapacity() {
		return nil, fmt.Errorf("payload of %v bytes exceeds single frame capacity", len(payload))
	}
	var data []byte
	if len(payload) <= 7-offset || codec.config.SF.Max <= 8 {
		data = make([]byte, 0, offset+1+len(payload))
		data = append(data, make([]byte, offset)...)
		data = append(data, byte(len(payload)))
	} else {
		data = make([]byte, 0, offset+2+len(payload))
		data = append(data, make([]byte, offset)...)
		data = append(data, 0x00, byte(len(payload)))
	}
	data = append(data, payload...)
	return codec.pad(data, codec.config.SF.Min), nil
}

// EncodeFirstFrame writes the first frame of a segmented message
func (codec *Codec) EncodeFirstFrame(totalLength int, payload []byte) ([]byte, error) {
	offset := int(codec.config.Offset)
	expected := codec.FirstFramePayloadSize(totalLength)
	if len(payload) != expected {
		return nil, fmt.Errorf("first frame payload %v, expected %v", len(payload), expected)
	}
	var data []byte
	if totalLength <= 0xFFF {
		data = make([]byte, 0, offset+2+len(payload))
		data = append(data, make([]byte, offset)...)
		data = append(data, 0x10|byte(totalLength>>8), byte(totalLength))
	} else {
		data = make([]byte, 0, offset+6+len(payload))
		data = append(data, make([]byte, offset)...)
		data = append(data, 0x10, 0x00)
		var lengthBytes [4]byte
		binary.BigEndian.PutUint32(lengthBytes[:], uint32(totalLength))
		data = append(data, lengthBytes[:]...)
	}
	data = append(data, payload...)
	return codec.pad(data, codec.config.FF.Min), nil
}

// EncodeConsecutiveFrame writes one consecutive frame
func (codec *Codec) EncodeConsecutiveFrame(sequence uint8, payload []byte) ([]byte, error) {
	offset := int(codec.config.Offset)
	if len(payload) > codec.ConsecutiveFramePayloadSize() {
		return nil, fmt.Errorf("payload of %v bytes exceeds consecutive frame capacity", len(payload))
	}
	data := make([]byte, 0, offset+1+len(payload))
	data = append(data, make([]byte, offset)...)
	data = append(data, 0x20|(sequence&0x0F))
	data = append(data, payload...)
	return codec.pad(data, codec.config.CF.Min), nil
}

// EncodeFlowControl writes a flow control frame
func (codec *Codec) EncodeFlowControl(status FlowStatus, blockSize uint8, encodedStMin uint8) []byte {
	offset := int(codec.config.Offset)
	data := make([]byte, 0, offset+3)
	data = append(data, make([]byte, offset)...)
	data = append(data, 0x30|byte(status), blockSize, encodedStMin)
	return codec.pad(data, codec.config.FC.Min)
}

func (codec *Codec) pad(data []byte, minSize uint8) []byte {
	for len(data) < int(minSize) {
		data = append(data, codec.config.Filler)
	}
	return data
}
