package docan

import (
	"testing"

	"ecudiag/pkg/can"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFilter(t *testing.T) *AddressingFilter {
	t.Helper()
	codec := NewCodec(OptimizedClassic)
	entries := []AddressingEntry{
		{CanRxID: 0x513, CanTxID: 0x7A2, SourceID: 0xF54, TargetID: 0x83},
		{CanRxID: 0x6F1, CanTxID: 0x6F9, SourceID: 0xF1, TargetID: 0x10},
		{CanRxID: 0x1235689 | can.CanEffFlag, CanTxID: 0x986321, SourceID: 0x64, TargetID: 0x56},
	}
	return NewAddressingFilter(entries, []*Codec{codec})
}

func TestFilterMatch(t *testing.T) {
	filter := testFilter(t)
	assert.True(t, filter.Match(0x513))
	assert.True(t, filter.Match(0x6F1))
	assert.False(t, filter.Match(0x514))
	assert.False(t, filter.Match(0x7A2))
	assert.True(t, filter.Match(0x1235689|can.CanEffFlag))
	assert.False(t, filter.Match(0x1235688|can.CanEffFlag))
}

func TestFilterReceptionParameters(t *testing.T) {
	filter := testFilter(t)
	params, ok := filter.ReceptionParameters(0x513)
	require.True(t, ok)
	assert.Equal(t, uint16(0xF54), params.Address.SourceID)
	assert.Equal(t, uint16(0x83), params.Address.TargetID)
	assert.Equal(t, uint32(0x7A2), params.TxID)
	assert.NotNil(t, params.Codec)

	_, ok = filter.ReceptionParameters(0x999)
	assert.False(t, ok)
}

func TestFilterTransmissionParameters(t *testing.T) {
	filter := testFilter(t)
	// Transmission direction reverses the stored pair
	params, ok := filter.TransmissionParameters(TransportAddressPair{SourceID: 0x83, TargetID: 0xF54})
	require.True(t, ok)
	assert.Equal(t, uint32(0x513), params.DataLink.ReceptionID)
	assert.Equal(t, uint32(0x7A2), params.DataLink.TransmissionID)

	_, ok = filter.TransmissionParameters(TransportAddressPair{SourceID: 0xF54, TargetID: 0x83})
	assert.False(t, ok)
}

func TestFilterSortAssertions(t *testing.T) {
	codecs := []*Codec{NewCodec(OptimizedClassic)}
	assert.Panics(t, func() {
		NewAddressingFilter([]AddressingEntry{
			{CanRxID: 0x600},
			{CanRxID: 0x500},
		}, codecs)
	}, "unsorted entries accepted")

	assert.Panics(t, func() {
		NewAddressingFilter([]AddressingEntry{
			{CanRxID: 0x500},
			{CanRxID: InvalidCanID},
			{CanRxID: 0x600},
		}, codecs)
	}, "valid entry behind invalid accepted")

	// Invalid entries at the tail are fine
	assert.NotPanics(t, func() {
		NewAddressingFilter([]AddressingEntry{
			{CanRxID: 0x500},
			{CanRxID: InvalidCanID},
			{CanRxID: InvalidCanID},
		}, codecs)
	})
}

func TestFilterBadCodecIndex(t *testing.T) {
	codecs := []*Codec{NewCodec(OptimizedClassic)}
	filter := NewAddressingFilter([]AddressingEntry{
		{CanRxID: 0x500, CanTxID: 0x501, RxCodecIdx: 5, TxCodecIdx: 5},
	}, codecs)
	// Out of range codec index means the route is unusable
	_, ok := filter.ReceptionParameters(0x500)
	assert.False(t, ok)
	_, ok = filter.TransmissionParameters(TransportAddressPair{})
	assert.False(t, ok)
}

func TestFormatDataLinkAddress(t *testing.T) {
	buffer := make([]byte, 16)
	assert.Equal(t, "0x00000513", FormatDataLinkAddress(0x513, buffer))

	short := make([]byte, 4)
	assert.Equal(t, "0x00", FormatDataLinkAddress(0x513, short))
}
