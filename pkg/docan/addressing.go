package docan

import (
	"fmt"
	"sort"

	"ecudiag/pkg/can"
)

// Sentinel for "no CAN identifier"
const InvalidCanID uint32 = 0xFFFFFFFF

// Identifies the two diagnostic endpoints of a connection
type TransportAddressPair struct {
	SourceID uint16
	TargetID uint16
}

// Reception and transmission CAN identifiers of a data link
// connection
type DataLinkAddressPair struct {
	ReceptionID    uint32
	TransmissionID uint32
}

func (pair DataLinkAddressPair) IsValid() bool {
	return pair.ReceptionID != InvalidCanID && pair.TransmissionID != InvalidCanID
}

// One routing entry of the addressing filter
type AddressingEntry struct {
	CanRxID    uint32
	CanTxID    uint32
	SourceID   uint16
	TargetID   uint16
	RxCodecIdx uint8
	TxCodecIdx uint8
}

func (entry AddressingEntry) IsValid() bool {
	return entry.CanRxID != InvalidCanID
}

// Parameters resolved for an incoming CAN identifier
type ReceptionParameters struct {
	Codec   *Codec
	Address TransportAddressPair
	RxID    uint32
	TxID    uint32
}

// Parameters resolved for an outgoing transport address pair
type TransmissionParameters struct {
	Codec    *Codec
	DataLink DataLinkAddressPair
}

const baseFilterWords = 2048 / 64

// AddressingFilter accepts or rejects received CAN identifiers and
// translates between CAN identifiers and transport address pairs.
// Entries are sorted ascending by reception identifier with all
// 11 bit entries before the 29 bit ones; base identifiers are
// matched through a bit field, extended ones by binary search.
// The tables are immutable after construction and safe for
// concurrent readers.
type AddressingFilter struct {
	entries    []AddressingEntry
	codecs     []*Codec
	baseFilter [baseFilterWords]uint64
	baseCount  int
	validCount int
}

// NewAddressingFilter panics on a malformed entry table; the filter
// is configured once at initialization time.
func NewAddressingFilter(entries []AddressingEntry, codecs []*Codec) *AddressingFilter {
	filter := &AddressingFilter{entries: entries, codecs: codecs}

	validCount := len(entries)
	for i, entry := range entries {
		if !entry.IsValid() {
			validCount = i
			break
		}
	}
	// Invalid entries are permitted only at the tail
	for _, entry := range entries[validCount:] {
		if entry.IsValid() {
			panic("addressing filter: valid entry behind invalid entry")
		}
	}
	filter.validCount = validCount

	baseCount := validCount
	for i, entry := range entries[:validCount] {
		if entry.CanRxID&can.CanEffFlag != 0 {
			baseCount = i
			break
		}
	}
	filter.baseCount = baseCount

	for i := 1; i < validCount; i++ {
		if entries[i-1].CanRxID >= entries[i].CanRxID {
			panic("addressing filter: entries not sorted by reception id")
		}
	}
	// Base entries precede extended entries
	for _, entry := range entries[:baseCount] {
		if entry.CanRxID > can.CanSffMask {
			panic("addressing filter: base entry with extended id")
		}
	}
	for _, entry := range entries[baseCount:validCount] {
		if entry.CanRxID&can.CanEffFlag == 0 {
			panic("addressing filter: extended entry without eff flag")
		}
	}

	for _, entry := range entries[:baseCount] {
		filter.baseFilter[entry.CanRxID/64] |= 1 << (entry.CanRxID % 64)
	}
	return filter
}

// Match tests whether a received CAN identifier is of interest.
// O(1) for base identifiers, O(log n) for extended ones.
func (filter *AddressingFilter) Match(canID uint32) bool {
	if canID&can.CanEffFlag == 0 {
		if canID > can.CanSffMask {
			return false
		}
		return filter.baseFilter[canID/64]&(1<<(canID%64)) != 0
	}
	_, found := filter.search(canID)
	return found
}

// ReceptionParameters resolves codec and transport addresses for a
// received CAN identifier. Second return is false when no route
// matches or the codec index is out of range.
func (filter *AddressingFilter) ReceptionParameters(rxID uint32) (ReceptionParameters, bool) {
	index, found := filter.search(rxID)
	if !found {
		return ReceptionParameters{}, false
	}
	entry := filter.entries[index]
	codec := filter.codec(entry.RxCodecIdx)
	if codec == nil {
		return ReceptionParameters{}, false
	}
	return ReceptionParameters{
		Codec:   codec,
		Address: TransportAddressPair{SourceID: entry.SourceID, TargetID: entry.TargetID},
		RxID:    entry.CanRxID,
		TxID:    entry.CanTxID,
	}, true
}

// TransmissionParameters resolves the data link connection for an
// outgoing message. The stored pair describes the reception
// direction, so source and target arrive swapped here.
func (filter *AddressingFilter) TransmissionParameters(address TransportAddressPair) (TransmissionParameters, bool) {
	for _, entry := range filter.entries[:filter.validCount] {
		if entry.SourceID == address.TargetID && entry.TargetID == address.SourceID {
			codec := filter.codec(entry.TxCodecIdx)
			if codec == nil {
				return TransmissionParameters{}, false
			}
			return TransmissionParameters{
				Codec: codec,
				DataLink: DataLinkAddressPair{
					ReceptionID:    entry.CanRxID,
					TransmissionID: entry.CanTxID,
				},
			}, true
		}
	}
	return TransmissionParameters{}, false
}

func (filter *AddressingFilter) search(rxID uint32) (int, bool) {
	entries := filter.entries[:filter.validCount]
	index := sort.Search(len(entries), func(i int) bool {
		return entries[i].CanRxID >= rxID
	})
	if index < len(entries) && entries[index].CanRxID == rxID {
		return index, true
	}
	return 0, false
}

func (filter *AddressingFilter) codec(index uint8) *Codec {
	if int(index) >= len(filter.codecs) {
		return nil
	}
	return filter.codecs[index]
}

// FormatDataLinkAddress renders a CAN identifier into the caller
// provided buffer, truncating to its capacity.
func FormatDataLinkAddress(address uint32, buffer []byte) string {
	formatted := fmt.Sprintf("0x%08x", address)
	count := copy(buffer, formatted)
	return string(buffer[:count])
}
