package isibox

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/timestem/tp3stream/clock"
)

func TestRoundTrip(t *testing.T) {
	c := qt.New(t)
	want := Photon{Channel: 12, Abs: 1234567890123}
	got, err := Decode(Encode(nil, want))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, want)
	c.Assert(got.Time(), qt.Equals, clock.Time(1234567890123)*clock.IsiTick)
}

func TestBadChannel(t *testing.T) {
	c := qt.New(t)
	_, err := Decode(Encode(nil, Photon{Channel: 32}))
	c.Assert(err, qt.Equals, error(ErrBadChannel))
}

func TestSplitter(t *testing.T) {
	c := qt.New(t)
	var b []byte
	b = Encode(b, Photon{Channel: 1, Abs: 10})
	b = Encode(b, Photon{Channel: 40, Abs: 20}) // malformed
	b = Encode(b, Photon{Channel: 2, Abs: 30})

	var s Splitter
	var got []Photon
	// Feed in awkward pieces.
	s.Feed(b[:5])
	for p, ok := s.Next(); ok; p, ok = s.Next() {
		got = append(got, p)
	}
	s.Feed(b[5:])
	for p, ok := s.Next(); ok; p, ok = s.Next() {
		got = append(got, p)
	}

	c.Assert(got, qt.DeepEquals, []Photon{{1, 10}, {2, 30}})
	c.Assert(s.BadRecords, qt.Equals, uint64(1))
}
