package emit

import (
	"encoding/binary"
	"strconv"

	"github.com/timestem/tp3stream/histo"
)

// Little-endian payload packers. One buffer per call; emission is off the
// hot path.

func packU16(v []uint16) []byte {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint16(b[2*i:], x)
	}
	return b
}

func packU32(v []uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], x)
	}
	return b
}

func packU64(v []uint64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], x)
	}
	return b
}

func packI64(v []int64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(x))
	}
	return b
}

// packCSV renders counts as comma-separated floats, the format the legacy
// spectrum consumers load with numpy.loadtxt.
func packCSV(v []uint64) []byte {
	b := make([]byte, 0, 8*len(v))
	for i, x := range v {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendFloat(b, float64(x), 'f', 1, 64)
	}
	b = append(b, '\n')
	return b
}

// Frames serializes a snapshot into one frame per array. When legacyText is
// set the two spectra are rendered as CSV instead of binary u64.
func Frames(s histo.Snapshot, legacyText bool) []Frame {
	specType, pack := DType(U64), packU64
	if legacyText {
		specType, pack = CSV, packCSV
	}
	return []Frame{
		NewFrame(ArraySpec, specType, s.Seq, pack(s.Spec)),
		NewFrame(ArrayCspec, specType, s.Seq, pack(s.Cspec)),
		NewFrame(ArrayTH, I64, s.Seq, packI64(s.TH)),
		NewFrame(ArrayG2TH, I64, s.Seq, packI64(s.G2TH)),
		NewFrame(ArrayChannel, U32, s.Seq, packU32(s.Channel)),
		NewFrame(ArrayXH, U32, s.Seq, packU32(s.XH)),
		NewFrame(ArrayYH, U32, s.Seq, packU32(s.YH)),
		NewFrame(ArrayTot, U16, s.Seq, packU16(s.Tot)),
		NewFrame(ArrayTabs, U64, s.Seq, packU64(s.Tabs)),
		NewFrame(ArrayDoubleTH, I64, s.Seq, packI64(s.DoubleTH)),
	}
}
