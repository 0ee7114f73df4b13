// Package isibox decodes the photon-arrival side channel of an IsiBox
// correlator. Records carry a 5-bit channel id and an absolute 64-bit
// timestamp in 120 ps units; the acquisition session extends them through
// their own clock domain and feeds the coincidence engine's photon window.
package isibox

import (
	"encoding/binary"

	"github.com/timestem/tp3stream/clock"
)

// RecordSize is the fixed side-channel record length in bytes.
const RecordSize = 12

/* Record layout, little-endian:

	offset 0  channel  u8 (0..31)
	offset 1  flags    u8 (reserved)
	offset 2  reserved u16
	offset 4  t_abs    u64, 120 ps units
*/

// A Photon is one decoded arrival.
type Photon struct {
	Channel uint8
	Abs     uint64 // 120 ps units since the correlator epoch
}

// Time converts the arrival to the common time unit.
func (p Photon) Time() clock.Time { return clock.Time(p.Abs) * clock.IsiTick }

// MaxChannel is the largest valid channel id.
const MaxChannel = 31

// A RecordError reports a malformed side-channel record.
type RecordError string

func (e RecordError) Error() string { return "isibox: " + string(e) }

var ErrBadChannel = RecordError("channel id out of range")

// Decode unpacks one record. b must hold at least RecordSize bytes.
func Decode(b []byte) (Photon, error) {
	p := Photon{
		Channel: b[0],
		Abs:     binary.LittleEndian.Uint64(b[4:12]),
	}
	if p.Channel > MaxChannel {
		return Photon{}, ErrBadChannel
	}
	return p, nil
}

// Encode appends the record for p, for the mock correlator and tests.
func Encode(dst []byte, p Photon) []byte {
	var b [RecordSize]byte
	b[0] = p.Channel
	binary.LittleEndian.PutUint64(b[4:12], p.Abs)
	return append(dst, b[:]...)
}

// A Splitter cuts a byte stream into records, keeping partial trailing
// input across feeds.
type Splitter struct {
	buf []byte
	r   int

	// BadRecords counts records rejected by Decode.
	BadRecords uint64
}

// Feed appends side-channel bytes; the splitter copies them.
func (s *Splitter) Feed(p []byte) {
	if s.r > 0 {
		n := copy(s.buf, s.buf[s.r:])
		s.buf = s.buf[:n]
		s.r = 0
	}
	s.buf = append(s.buf, p...)
}

// Next returns the next photon, skipping malformed records, until the
// buffered input is exhausted.
func (s *Splitter) Next() (Photon, bool) {
	for len(s.buf)-s.r >= RecordSize {
		p, err := Decode(s.buf[s.r:])
		s.r += RecordSize
		if err != nil {
			s.BadRecords++
			continue
		}
		return p, true
	}
	return Photon{}, false
}
