package acq

import (
	"math"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/timestem/tp3stream/clock"
)

func TestHandshakeRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := Handshake{
		Mode:  ModeSpim,
		XSpim: 512, YSpim: 512,
		XSize: 2, YSize: 2,
		TDelay: 625000, TWidth: 25000,
	}
	b := EncodeHandshake(h)
	c.Assert(b, qt.HasLen, HandshakeSize)

	got, err := ParseHandshake(b)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, h)

	delay, width, ok := got.Window()
	c.Assert(ok, qt.IsTrue)
	c.Assert(delay, qt.Equals, 625*clock.Microsecond)
	c.Assert(width, qt.Equals, 25*clock.Microsecond)
}

func TestHandshakeDefaults(t *testing.T) {
	c := qt.New(t)
	got, err := ParseHandshake(make([]byte, HandshakeSize))
	c.Assert(err, qt.IsNil)
	_, _, ok := got.Window()
	c.Assert(ok, qt.IsFalse)
}

func TestHandshakeBad(t *testing.T) {
	c := qt.New(t)
	_, err := ParseHandshake(make([]byte, 10))
	c.Assert(err, qt.IsNotNil)

	_, err = ParseHandshake(EncodeHandshake(Handshake{TWidth: math.NaN()}))
	c.Assert(err, qt.IsNotNil)

	_, err = ParseHandshake(EncodeHandshake(Handshake{TDelay: -5, TWidth: 10}))
	c.Assert(err, qt.IsNotNil)
}
