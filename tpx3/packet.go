package tpx3

import "github.com/timestem/tp3stream/clock"

/* Electron hit packet, after byte reversal. b[0] is the reversed packet's
first byte; bit numbers are within each byte.

b[0]       b[1]       b[2]       b[3]     b[4]       b[5]       b[6] b[7]
|id|dcol_h| dcol_l|spix_h| s|pix|toa_h| toa_mid | toa_l|tot_h| tot_l|ftoa| spidr |
| 4 |  4  |   3   |  5   |1 | 3 |  4  |    8    |  2   |  6  |  4   | 4  |  16   |

dcol carries the double-column (even columns), pix bit 2 selects the odd
column, spix+pix[1:0] build y. */

// An Electron is one decoded pixel hit. X is the global detector column
// after the quad remap; XLocal the chip-local column it was derived from.
type Electron struct {
	Chip   uint8
	X      uint16
	XLocal uint8
	Y      uint8
	ToA    uint16 // 14-bit coarse, 25 ns
	FToA   uint8  // 4-bit fine, 25/16 ns, wire-inverted
	ToT    uint16 // 10-bit time over threshold, 25 ns
	SPIDR  uint16 // coarse frame counter, 25*16384 ns
}

// DecodeElectron unpacks an id-0xB packet. The caller has checked the id.
func DecodeElectron(p PacketRecord) Electron {
	b := &p.Data
	dcol := (b[0]&0x0F)<<4 | (b[1]&0xE0)>>4
	spix := (b[1]&0x1F)<<3 | (b[2]&0x80)>>5
	pix := (b[2] & 0x70) >> 4

	xl := dcol | pix>>2
	e := Electron{
		Chip:   p.Chip,
		X:      RemapX(p.Chip, xl),
		XLocal: xl,
		Y:      spix | pix&0x3,
		ToA:    uint16(b[2]&0x0F)<<10 | uint16(b[3])<<2 | uint16(b[4]&0xC0)>>6,
		ToT:    uint16(b[4]&0x3F)<<4 | uint16(b[5]&0xF0)>>4,
		FToA:   b[5] & 0x0F,
		SPIDR:  uint16(b[6])<<8 | uint16(b[7]),
	}
	return e
}

// CToA combines coarse and fine ToA into the 18-bit counter of 25/16 ns
// steps. The fine counter is inverted on the wire.
func (e Electron) CToA() uint32 {
	return uint32(e.ToA)<<4 | uint32(^e.FToA&0x0F)
}

// RawTime is the in-epoch hit time: spidr*25*16384 ns + ctoa*25/16 ns.
func (e Electron) RawTime() clock.Time {
	return clock.Time(e.SPIDR)*clock.SpidrStep + clock.Time(e.CToA())*clock.ElectronTick
}

// Encode packs the hit back into reversed-packet layout. Only the chip-local
// fields go on the wire; X is derived on decode.
func (e Electron) Encode() [PacketSize]byte {
	pix := (e.XLocal&1)<<2 | e.Y&0x3
	dcol := e.XLocal &^ 1
	spix := e.Y &^ 0x3

	var b [PacketSize]byte
	b[0] = IDElectron<<4 | dcol>>4
	b[1] = dcol<<4 | spix>>3
	b[2] = (spix&0x7)<<5 | pix<<4 | uint8(e.ToA>>10)&0x0F
	b[3] = uint8(e.ToA >> 2)
	b[4] = uint8(e.ToA&0x3)<<6 | uint8(e.ToT>>4)&0x3F
	b[5] = uint8(e.ToT&0x0F)<<4 | e.FToA&0x0F
	b[6] = uint8(e.SPIDR >> 8)
	b[7] = uint8(e.SPIDR)
	return b
}

/* TDC packet, after byte reversal:

b[0]        b[1]      b[2]        b[2..6]              b[6]  b[7]
|id|trigger| counter_h| counter_l | coarse (35 bits) | fine | reserved |
| 4 |  4   |    8     |    4      |                  |  4   |    5     |
*/

// A TDC is one decoded external trigger edge.
type TDC struct {
	Kind    TriggerKind
	Counter uint16 // 12-bit trigger counter
	Coarse  uint64 // 35 bits of 320 MHz
	Fine    uint8  // 4 bits of 260 ps
}

// DecodeTDC unpacks an id-0x6 packet. The caller has checked the id.
func DecodeTDC(p PacketRecord) (TDC, error) {
	b := &p.Data
	kind, ok := triggerKind(b[0] & 0x0F)
	if !ok {
		return TDC{}, ErrMalformedTdc
	}
	return TDC{
		Kind:    kind,
		Counter: uint16(b[1])<<4 | uint16(b[2]&0xF0)>>4,
		Coarse: uint64(b[2]&0x0F)<<31 | uint64(b[3])<<23 | uint64(b[4])<<15 |
			uint64(b[5])<<7 | uint64(b[6]&0xFE)>>1,
		Fine: (b[6]&0x01)<<3 | (b[7]&0xE0)>>5,
	}, nil
}

// RawTime is the in-epoch trigger time: coarse/320 MHz + fine*260 ps.
func (t TDC) RawTime() clock.Time {
	return clock.Time(t.Coarse)*clock.TdcCoarseTick + clock.Time(t.Fine)*clock.TdcFineTick
}

// Encode packs the trigger back into reversed-packet layout.
func (t TDC) Encode() [PacketSize]byte {
	var b [PacketSize]byte
	b[0] = IDTDC<<4 | triggerNibble(t.Kind)
	b[1] = uint8(t.Counter >> 4)
	b[2] = uint8(t.Counter&0x0F)<<4 | uint8(t.Coarse>>31)&0x0F
	b[3] = uint8(t.Coarse >> 23)
	b[4] = uint8(t.Coarse >> 15)
	b[5] = uint8(t.Coarse >> 7)
	b[6] = uint8(t.Coarse&0x7F)<<1 | t.Fine>>3&0x01
	b[7] = (t.Fine & 0x07) << 5
	return b
}

// A GlobalTime packet carries an absolute 48-bit coarse stamp in 25 ns
// units. The pipeline uses it to realign the SPIDR epoch after gaps; streams
// that never emit it lose nothing.
type GlobalTime struct {
	Stamp uint64
}

// DecodeGlobalTime unpacks an id-0x4 packet.
func DecodeGlobalTime(p PacketRecord) GlobalTime {
	b := &p.Data
	return GlobalTime{
		Stamp: uint64(b[2])<<40 | uint64(b[3])<<32 | uint64(b[4])<<24 |
			uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7]),
	}
}

// Time is the stamp on the extended time line.
func (g GlobalTime) Time() clock.Time {
	return clock.Time(g.Stamp) * 25 * clock.Nanosecond
}
