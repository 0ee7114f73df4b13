package clock

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestUnits(t *testing.T) {
	c := qt.New(t)
	c.Assert(SpidrEpoch, qt.Equals, FromNanos(26843545600))
	c.Assert(TdcEpoch.Seconds() > 107.37 && TdcEpoch.Seconds() < 107.38, qt.IsTrue)
	c.Assert(ElectronTick.Nanoseconds(), qt.Equals, 25.0/16.0)
	c.Assert(SpidrStep, qt.Equals, FromNanos(25*16384))
}

func TestExtendMonotone(t *testing.T) {
	c := qt.New(t)
	e := NewExtender(SpidrEpoch, 0)

	// Two electrons straddling the SPIDR wrap: spidr=65535 then spidr=1.
	t0 := e.Extend(65535 * SpidrStep)
	t1 := e.Extend(1 * SpidrStep)
	c.Assert(t1 > t0, qt.IsTrue)
	c.Assert(t1-t0, qt.Equals, 1*SpidrStep+SpidrEpoch-65535*SpidrStep)
}

func TestExtendSlack(t *testing.T) {
	c := qt.New(t)
	e := NewExtender(SpidrEpoch, 1*Microsecond)

	base := 10 * Second
	e.Extend(base)

	// A backstep inside the slack is accepted and does not bump the epoch.
	got := e.Extend(base - 500*Nanosecond)
	c.Assert(got, qt.Equals, base-500*Nanosecond)
	c.Assert(e.Regressions, qt.Equals, uint64(0))

	// Later samples continue on the same epoch.
	got = e.Extend(base + Second)
	c.Assert(got, qt.Equals, base+Second)
}

func TestExtendRegression(t *testing.T) {
	c := qt.New(t)
	e := NewExtender(SpidrEpoch, 1*Microsecond)

	base := 10 * Second
	e.Extend(base)

	// Beyond the slack but far from a wrap: counted, larger time kept.
	got := e.Extend(base - 5*Millisecond)
	c.Assert(got, qt.Equals, base)
	c.Assert(e.Regressions, qt.Equals, uint64(1))
}

func TestExtendManyWraps(t *testing.T) {
	c := qt.New(t)
	e := NewExtender(TdcEpoch, 0)

	var prev Time = -1
	raw := []Time{0, TdcEpoch * 3 / 5, TdcEpoch - TdcCoarseTick, TdcCoarseTick, TdcEpoch * 3 / 5, TdcCoarseTick}
	for _, r := range raw {
		ext := e.Extend(r)
		c.Assert(ext >= prev, qt.IsTrue, qt.Commentf("raw %d", r))
		prev = ext
	}
	// Two wraps happened.
	c.Assert(prev, qt.Equals, 2*TdcEpoch+TdcCoarseTick)
}

func TestRealign(t *testing.T) {
	c := qt.New(t)
	e := NewExtender(SpidrEpoch, 0)
	e.Extend(3 * Second)
	e.Realign(5*SpidrEpoch + 3*Second)
	c.Assert(e.Extend(4*Second), qt.Equals, 5*SpidrEpoch+4*Second)
}
