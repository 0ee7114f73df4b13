// Package tpx3 implements the Timepix3 raw wire format as emitted by the
// SPIDR read-out of a four-chip (1024x256) detector: chunk framing on the
// "TPX3" magic, 64-bit packet decoding for electron hits, TDC triggers and
// global timestamps, the quad-chip coordinate remap, and the reference
// encoder used by the mock detector and the tests.
package tpx3

// Wire geometry.
const (
	HeaderSize = 8 // chunk header, magic included
	PacketSize = 8 // every payload packet

	// MaxPayload is the largest chunk payload the read-out emits. The
	// size field is 16 bits and payloads are whole packets.
	MaxPayload = 0xFFFF &^ (PacketSize - 1)

	NChips   = 4
	ChipCols = 256
	DetCols  = NChips * ChipCols
	DetRows  = 256
)

// Magic is the chunk header tag, in transmit order.
var Magic = [4]byte{'T', 'P', 'X', '3'}

// Packet id nibbles (top 4 bits of the reversed packet).
const (
	IDElectron   = 0xB
	IDTDC        = 0x6
	IDGlobalTime = 0x4
)

// FormatError reports a violation of the wire format. Decoding continues
// past them; they are surfaced through counters.
type FormatError string

func (e FormatError) Error() string { return "tpx3: " + string(e) }

var (
	ErrMalformedChunk = FormatError("chunk payload size not a packet multiple")
	ErrMalformedTdc   = FormatError("unknown tdc trigger nibble")
)

// A PacketRecord is one payload packet after byte reversal, tagged with the
// chip that produced its chunk.
type PacketRecord struct {
	Chip uint8
	Data [PacketSize]byte
}

// ID returns the packet's variant nibble.
func (p PacketRecord) ID() uint8 { return p.Data[0] >> 4 }

// TriggerKind identifies one of the four TDC edges.
type TriggerKind uint8

const (
	T1Rise TriggerKind = iota
	T1Fall
	T2Rise
	T2Fall
	NumTriggerKinds
)

func (k TriggerKind) String() string {
	switch k {
	case T1Rise:
		return "tdc1-rising"
	case T1Fall:
		return "tdc1-falling"
	case T2Rise:
		return "tdc2-rising"
	case T2Fall:
		return "tdc2-falling"
	}
	return "tdc-unknown"
}

// Trigger nibble values on the wire.
const (
	nibbleT1Rise = 0xF
	nibbleT1Fall = 0xA
	nibbleT2Rise = 0xE
	nibbleT2Fall = 0xB
)

func triggerKind(nibble uint8) (TriggerKind, bool) {
	switch nibble {
	case nibbleT1Rise:
		return T1Rise, true
	case nibbleT1Fall:
		return T1Fall, true
	case nibbleT2Rise:
		return T2Rise, true
	case nibbleT2Fall:
		return T2Fall, true
	}
	return NumTriggerKinds, false
}

func triggerNibble(k TriggerKind) uint8 {
	switch k {
	case T1Rise:
		return nibbleT1Rise
	case T1Fall:
		return nibbleT1Fall
	case T2Rise:
		return nibbleT2Rise
	default:
		return nibbleT2Fall
	}
}

// RemapX maps a chip-local column to the global detector column. The four
// chips tile the sensor mirrored, chip 0 rightmost within its bank:
//
//	chip 0: 255 - x    chip 1: 1023 - x
//	chip 2: 767 - x    chip 3: 511 - x
//
// y is preserved.
func RemapX(chip uint8, xLocal uint8) uint16 {
	switch chip & 3 {
	case 0:
		return ChipCols - 1 - uint16(xLocal)
	case 1:
		return 4*ChipCols - 1 - uint16(xLocal)
	case 2:
		return 3*ChipCols - 1 - uint16(xLocal)
	default:
		return 2*ChipCols - 1 - uint16(xLocal)
	}
}

// reverse8 writes the byte-reversed packet into dst.
func reverse8(dst *[PacketSize]byte, src []byte) {
	_ = src[7]
	dst[0], dst[1], dst[2], dst[3] = src[7], src[6], src[5], src[4]
	dst[4], dst[5], dst[6], dst[7] = src[3], src[2], src[1], src[0]
}
