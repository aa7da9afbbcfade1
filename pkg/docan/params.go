package docan

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Parameters holds the timing and flow control settings of one
// transport layer. Timeouts are in milliseconds, separation times
// in microseconds. NowUs supplies the monotonic microsecond clock.
type Parameters struct {
	NowUs                    func() uint32
	WaitAllocateTimeout      uint16
	WaitRxTimeout            uint16
	WaitTxCallbackTimeout    uint16
	WaitFlowControlTimeout   uint16
	MaxAllocateRetryCount    uint8
	MaxFlowControlWaitCount  uint8
	MaxBlockSize             uint8
	encodedMinSeparationTime uint8
}

// NewParameters panics when the separation time is not smaller than
// every timeout; this is a configuration error caught at init.
func NewParameters(
	nowUs func() uint32,
	waitAllocateTimeout uint16,
	waitRxTimeout uint16,
	waitTxCallbackTimeout uint16,
	waitFlowControlTimeout uint16,
	maxAllocateRetryCount uint8,
	maxFlowControlWaitCount uint8,
	minSeparationTimeUs uint32,
	maxBlockSize uint8,
) *Parameters {
	for _, timeout := range []uint16{waitAllocateTimeout, waitRxTimeout, waitTxCallbackTimeout, waitFlowControlTimeout} {
		if minSeparationTimeUs >= uint32(timeout)*1000 {
			panic(fmt.Sprintf("separation time %vus not below timeout %vms", minSeparationTimeUs, timeout))
		}
	}
	return &Parameters{
		NowUs:                    nowUs,
		WaitAllocateTimeout:      waitAllocateTimeout,
		WaitRxTimeout:            waitRxTimeout,
		WaitTxCallbackTimeout:    waitTxCallbackTimeout,
		WaitFlowControlTimeout:   waitFlowControlTimeout,
		MaxAllocateRetryCount:    maxAllocateRetryCount,
		MaxFlowControlWaitCount:  maxFlowControlWaitCount,
		MaxBlockSize:             maxBlockSize,
		encodedMinSeparationTime: EncodeMinSeparationTime(minSeparationTimeUs),
	}
}

func (params *Parameters) EncodedMinSeparationTime() uint8 {
	return params.encodedMinSeparationTime
}

func (params *Parameters) SetEncodedMinSeparationTime(encoded uint8) {
	params.encodedMinSeparationTime = encoded
}

// DecodeMinSeparationTime maps the encoded STmin byte to
// microseconds as specified by ISO 15765-2 section 9.6.5.4.
// Reserved values clamp to 127ms.
func DecodeMinSeparationTime(encoded uint8) uint32 {
	if encoded <= 0x7F {
		return uint32(encoded) * 1000
	}
	if encoded >= 0xF1 && encoded <= 0xF9 {
		return (uint32(encoded) - 0xF0) * 100
	}
	return 0x7F * 1000
}

// EncodeMinSeparationTime is the inverse mapping. Sub millisecond
// values use the 0xF1..0xF9 range, everything at or above 127ms
// saturates.
func EncodeMinSeparationTime(separationTimeUs uint32) uint8 {
	if separationTimeUs > 0 && separationTimeUs < 1000 {
		return uint8(separationTimeUs/100) + 0xF0
	}
	if separationTimeUs < 0x7F*1000 {
		return uint8(separationTimeUs / 1000)
	}
	return 0x7F
}

// LoadParameters reads a [docan] section of the given ini file.
// Missing keys fall back to the defaults used by the reference
// configuration.
func LoadParameters(source interface{}, nowUs func() uint32) (*Parameters, error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load docan parameters: %w", err)
	}
	section := cfg.Section("docan")
	return NewParameters(
		nowUs,
		uint16(section.Key("wait_allocate_timeout_ms").MustUint(800)),
		uint16(section.Key("wait_rx_timeout_ms").MustUint(1000)),
		uint16(section.Key("wait_tx_callback_timeout_ms").MustUint(100)),
		uint16(section.Key("wait_flow_control_timeout_ms").MustUint(1000)),
		uint8(section.Key("max_allocate_retry_count").MustUint(15)),
		uint8(section.Key("max_flow_control_wait_count").MustUint(15)),
		uint32(section.Key("min_separation_time_us").MustUint(0)),
		uint8(section.Key("max_block_size").MustUint(0)),
	), nil
}
