package acq

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/timestem/tp3stream/clock"
)

// HandshakeSize is the length of the optional control command a consumer
// sends right after connecting.
const HandshakeSize = 26

/* Handshake layout, big-endian:

	offset 0   mode    u16
	offset 2   xspim   u16    scan columns
	offset 4   yspim   u16    scan rows
	offset 6   xsize   u16    detector columns per scan pixel
	offset 8   ysize   u16
	offset 10  tdelay  f64    coincidence delay, nanoseconds
	offset 18  twidth  f64    coincidence width, nanoseconds
*/

// Operating modes selected by the handshake.
const (
	ModeSpectrum = 0 // 1-D spectra plus coincidence histograms
	ModeSpim     = 1 // spectrum image scan
)

// A Handshake is the decoded control command. The zero value selects the
// session defaults.
type Handshake struct {
	Mode   uint16
	XSpim  uint16
	YSpim  uint16
	XSize  uint16
	YSize  uint16
	TDelay float64
	TWidth float64
}

// ParseHandshake decodes the 26-byte control command.
func ParseHandshake(b []byte) (Handshake, error) {
	if len(b) < HandshakeSize {
		return Handshake{}, fmt.Errorf("acq: handshake: got %d bytes, want %d", len(b), HandshakeSize)
	}
	h := Handshake{
		Mode:   binary.BigEndian.Uint16(b[0:2]),
		XSpim:  binary.BigEndian.Uint16(b[2:4]),
		YSpim:  binary.BigEndian.Uint16(b[4:6]),
		XSize:  binary.BigEndian.Uint16(b[6:8]),
		YSize:  binary.BigEndian.Uint16(b[8:10]),
		TDelay: math.Float64frombits(binary.BigEndian.Uint64(b[10:18])),
		TWidth: math.Float64frombits(binary.BigEndian.Uint64(b[18:26])),
	}
	if math.IsNaN(h.TDelay) || math.IsNaN(h.TWidth) || h.TDelay < 0 || h.TWidth < 0 {
		return Handshake{}, fmt.Errorf("acq: handshake: bad window %g/%g ns", h.TDelay, h.TWidth)
	}
	return h, nil
}

// Window converts the command's nanosecond window to clock units. ok is
// false when the command leaves the window unset.
func (h Handshake) Window() (delay, width clock.Time, ok bool) {
	if h.TWidth <= 0 {
		return 0, 0, false
	}
	return clock.Time(h.TDelay * float64(clock.Nanosecond)),
		clock.Time(h.TWidth * float64(clock.Nanosecond)), true
}

// EncodeHandshake packs a control command, for clients and tests.
func EncodeHandshake(h Handshake) []byte {
	b := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint16(b[0:2], h.Mode)
	binary.BigEndian.PutUint16(b[2:4], h.XSpim)
	binary.BigEndian.PutUint16(b[4:6], h.YSpim)
	binary.BigEndian.PutUint16(b[6:8], h.XSize)
	binary.BigEndian.PutUint16(b[8:10], h.YSize)
	binary.BigEndian.PutUint64(b[10:18], math.Float64bits(h.TDelay))
	binary.BigEndian.PutUint64(b[18:26], math.Float64bits(h.TWidth))
	return b
}
