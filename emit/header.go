// Package emit serializes histogram snapshots and ships them to downstream
// consumers on a cadence that never blocks the acquisition hot path.
package emit

import (
	"encoding/binary"
	"hash/crc32"
)

/* Snapshot frame header, 32 bytes little-endian:

0      1              5     6          7       8         12        20      24    32
| 0xA5 | 'T''P''X''H' | ver | array_id | dtype | len_u32 | seq_u64 | crc32 | pad |
|  1B  |      4B      | 1B  |    1B    |  1B   |   4B    |   8B    |  4B   | 8B  |

len counts payload elements, not bytes. crc32 (IEEE) covers the payload. */

// HeaderSize is the fixed frame header length.
const HeaderSize = 32

// Version is the current frame layout version.
const Version = 1

const headerMark = 0xA5

var headerTag = [4]byte{'T', 'P', 'X', 'H'}

// ArrayID names an emitted array.
type ArrayID uint8

const (
	ArraySpec ArrayID = iota + 1
	ArrayCspec
	ArrayTH
	ArrayG2TH
	ArrayChannel
	ArrayXH
	ArrayYH
	ArrayTot
	ArrayTabs
	ArrayDoubleTH
)

var arrayNames = map[ArrayID]string{
	ArraySpec:     "spec",
	ArrayCspec:    "cspec",
	ArrayTH:       "tH",
	ArrayG2TH:     "g2tH",
	ArrayChannel:  "channel",
	ArrayXH:       "xH",
	ArrayYH:       "yH",
	ArrayTot:      "tot",
	ArrayTabs:     "tabsH",
	ArrayDoubleTH: "double_tH",
}

func (a ArrayID) String() string {
	if s, ok := arrayNames[a]; ok {
		return s
	}
	return "array-unknown"
}

// DType is the payload element type.
type DType uint8

const (
	U16 DType = iota + 1
	U32
	U64
	I64
	CSV // comma-separated text, legacy consumers only
)

// Size returns the element width in bytes, 1 for CSV.
func (d DType) Size() int {
	switch d {
	case U16:
		return 2
	case U32:
		return 4
	case U64, I64:
		return 8
	}
	return 1
}

// A Header describes one emitted array frame.
type Header struct {
	Version uint8
	Array   ArrayID
	DType   DType
	Count   uint32 // payload elements
	Seq     uint64 // emission cycle
	CRC     uint32 // IEEE crc32 of the payload
}

// HeaderError reports a malformed frame header.
type HeaderError string

func (e HeaderError) Error() string { return "emit: " + string(e) }

var (
	ErrShortHeader = HeaderError("short header")
	ErrBadMark     = HeaderError("bad header mark or tag")
)

// Marshal writes the header into dst, which must hold HeaderSize bytes.
func (h *Header) Marshal(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = headerMark
	copy(dst[1:5], headerTag[:])
	dst[5] = h.Version
	dst[6] = uint8(h.Array)
	dst[7] = uint8(h.DType)
	binary.LittleEndian.PutUint32(dst[8:12], h.Count)
	binary.LittleEndian.PutUint64(dst[12:20], h.Seq)
	binary.LittleEndian.PutUint32(dst[20:24], h.CRC)
	for i := 24; i < HeaderSize; i++ {
		dst[i] = 0
	}
}

// Unmarshal parses a frame header.
func (h *Header) Unmarshal(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortHeader
	}
	if b[0] != headerMark || b[1] != headerTag[0] || b[2] != headerTag[1] ||
		b[3] != headerTag[2] || b[4] != headerTag[3] {
		return ErrBadMark
	}
	h.Version = b[5]
	h.Array = ArrayID(b[6])
	h.DType = DType(b[7])
	h.Count = binary.LittleEndian.Uint32(b[8:12])
	h.Seq = binary.LittleEndian.Uint64(b[12:20])
	h.CRC = binary.LittleEndian.Uint32(b[20:24])
	return nil
}

// A Frame is one serialized array: header plus little-endian payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame builds a frame, filling in the checksum and count.
func NewFrame(array ArrayID, dtype DType, seq uint64, payload []byte) Frame {
	count := len(payload)
	if n := dtype.Size(); n > 1 {
		count /= n
	}
	return Frame{
		Header: Header{
			Version: Version,
			Array:   array,
			DType:   dtype,
			Count:   uint32(count),
			Seq:     seq,
			CRC:     crc32.ChecksumIEEE(payload),
		},
		Payload: payload,
	}
}

// Encode appends the wire form of the frame.
func (f Frame) Encode(dst []byte) []byte {
	var hdr [HeaderSize]byte
	f.Header.Marshal(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}
