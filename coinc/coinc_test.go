package coinc

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/histo"
	"github.com/timestem/tp3stream/tpx3"
)

func newEngine(cfg Config) (*Engine, *histo.Bank) {
	bank := histo.New(histo.Config{SpecPixels: 1041, TBins: 512, G2Bins: 512, StreamCap: 64})
	return New(cfg, bank), bank
}

func sum64(s []uint64) (n uint64) {
	for _, v := range s {
		n += v
	}
	return n
}

func TestMatchInsideWindow(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{Delay: 400 * clock.Microsecond, Width: 200 * clock.Microsecond})

	e.Trigger(tpx3.T1Rise, 1*clock.Second)
	ev := tpx3.Electron{X: 500, Y: 10, ToT: 30}
	out := e.Electron(ev, 1*clock.Second+500*clock.Microsecond)
	c.Assert(out, qt.Equals, Matched)

	snap := bank.Snapshot()
	c.Assert(snap.Cspec[500], qt.Equals, uint64(1))
	c.Assert(snap.Spec[500], qt.Equals, uint64(1))
	// 100 us into a 200 us window of 512 bins.
	c.Assert(snap.TH[255], qt.Equals, int64(1))
	c.Assert(snap.XH, qt.DeepEquals, []uint32{500})
	c.Assert(snap.Tabs, qt.DeepEquals, []uint64{1000500000})
}

func TestOutsideWindow(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{Delay: 400 * clock.Microsecond, Width: 200 * clock.Microsecond})

	e.Trigger(tpx3.T1Rise, 1*clock.Second)
	out := e.Electron(tpx3.Electron{X: 500}, 1*clock.Second+1500*clock.Microsecond)
	c.Assert(out, qt.Equals, Unmatched)

	snap := bank.Snapshot()
	c.Assert(snap.Spec[500], qt.Equals, uint64(1))
	c.Assert(snap.Cspec[500], qt.Equals, uint64(0))
	c.Assert(snap.XH, qt.HasLen, 0)
}

func TestNewestWins(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{Delay: 0 * clock.Microsecond, Width: 100 * clock.Microsecond})

	// Both triggers are inside the window of the electron; the newer one
	// must supply the delay.
	e.Trigger(tpx3.T1Rise, 1*clock.Second)
	e.Trigger(tpx3.T1Rise, 1*clock.Second+40*clock.Microsecond)
	out := e.Electron(tpx3.Electron{X: 1}, 1*clock.Second+60*clock.Microsecond)
	c.Assert(out, qt.Equals, Matched)

	// dt = 20 us of a 100 us window: first fifth of the bins.
	snap := bank.Snapshot()
	want := int((20 * clock.Microsecond) * 512 / (100*clock.Microsecond + 1))
	c.Assert(snap.TH[want], qt.Equals, int64(1))
}

func TestOnlyT1RisingMatches(t *testing.T) {
	c := qt.New(t)
	e, _ := newEngine(Config{Delay: 0, Width: 100 * clock.Microsecond})
	e.Trigger(tpx3.T1Fall, 1*clock.Second)
	e.Trigger(tpx3.T2Rise, 1*clock.Second)
	out := e.Electron(tpx3.Electron{X: 1}, 1*clock.Second+10*clock.Microsecond)
	c.Assert(out, qt.Equals, Unmatched)
}

func TestRingEviction(t *testing.T) {
	c := qt.New(t)
	e, _ := newEngine(Config{Delay: 0, Width: 10 * clock.Microsecond, NRef: 4})

	// Push 5 triggers; the first one is evicted.
	for i := 0; i < 5; i++ {
		e.Trigger(tpx3.T1Rise, clock.Time(i)*clock.Second)
	}
	// An electron matching only the evicted trigger finds nothing.
	out := e.Electron(tpx3.Electron{X: 1}, 5*clock.Microsecond)
	c.Assert(out, qt.Equals, Unmatched)
	// One matching the newest still works.
	out = e.Electron(tpx3.Electron{X: 1}, 4*clock.Second+5*clock.Microsecond)
	c.Assert(out, qt.Equals, Matched)
}

func TestG2NearestPhoton(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{
		Delay: 0, Width: 100 * clock.Microsecond,
		G2Width: 500 * clock.Nanosecond,
	})

	e.Trigger(tpx3.T1Rise, 1*clock.Second)
	e.PushPhoton(3, 1*clock.Second+10*clock.Microsecond+200*clock.Nanosecond)
	e.PushPhoton(7, 1*clock.Second+30*clock.Microsecond)

	te := 1*clock.Second + 10*clock.Microsecond
	c.Assert(e.Electron(tpx3.Electron{X: 2}, te), qt.Equals, Matched)

	snap := bank.Snapshot()
	c.Assert(snap.ChCounts[3], qt.Equals, uint64(1))
	c.Assert(snap.ChCounts[7], qt.Equals, uint64(1))
	c.Assert(snap.Channel, qt.DeepEquals, []uint32{3, 7})

	// Nearest photon is 200 ns after the electron: dt = -200 ns.
	w := 500 * clock.Nanosecond
	want := int((-200*clock.Nanosecond + w) * 512 / (2*w + 1))
	c.Assert(snap.G2TH[want], qt.Equals, int64(1))
	c.Assert(e.Counters().G2Pairs, qt.Equals, uint64(1))
}

func TestG2OutsideWindow(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{Delay: 0, Width: 100 * clock.Microsecond, G2Width: 100 * clock.Nanosecond})
	e.Trigger(tpx3.T1Rise, 1*clock.Second)
	e.PushPhoton(0, 2*clock.Second)
	c.Assert(e.Electron(tpx3.Electron{X: 2}, 1*clock.Second+clock.Microsecond), qt.Equals, Matched)
	snap := bank.Snapshot()
	for i, v := range snap.G2TH {
		c.Assert(v, qt.Equals, int64(0), qt.Commentf("bin %d", i))
	}
}

func TestPhotonQueueDropNewest(t *testing.T) {
	c := qt.New(t)
	e, _ := newEngine(Config{PhotonQueue: 2})
	e.PushPhoton(0, 1)
	e.PushPhoton(0, 2)
	e.PushPhoton(0, 3) // queue full, dropped
	c.Assert(e.Counters().PhotonDrop, qt.Equals, uint64(1))

	e.drainPhotons()
	c.Assert(e.Counters().Photons, qt.Equals, uint64(2))
}

func TestDoubleElectronCluster(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{
		Delay: 0, Width: 100 * clock.Microsecond,
		ClusterWindow: 50 * clock.Nanosecond,
	})

	e.Trigger(tpx3.T1Rise, 1*clock.Second)
	te := 1*clock.Second + 10*clock.Microsecond
	c.Assert(e.Electron(tpx3.Electron{X: 1}, te), qt.Equals, Matched)
	c.Assert(e.Electron(tpx3.Electron{X: 2}, te+20*clock.Nanosecond), qt.Equals, Matched)

	snap := bank.Snapshot()
	dt1 := (10 * clock.Microsecond) / clock.TdcFineTick
	dt2 := (10*clock.Microsecond + 20*clock.Nanosecond) / clock.TdcFineTick
	c.Assert(snap.DoubleTH, qt.DeepEquals, []int64{int64(dt1), int64(dt2)})
	c.Assert(e.Counters().Doubles, qt.Equals, uint64(1))
}

func TestSetWindow(t *testing.T) {
	c := qt.New(t)
	e, _ := newEngine(Config{Delay: 400 * clock.Microsecond, Width: 200 * clock.Microsecond})
	e.Trigger(tpx3.T1Rise, 1*clock.Second)

	// Out of the configured window, inside the adjusted one.
	te := 1*clock.Second + 1500*clock.Microsecond
	c.Assert(e.Electron(tpx3.Electron{X: 1}, te), qt.Equals, Unmatched)
	e.SetWindow(1400*clock.Microsecond, 200*clock.Microsecond)
	c.Assert(e.Electron(tpx3.Electron{X: 1}, te), qt.Equals, Matched)
}

func TestCoincidentSubsetProperty(t *testing.T) {
	c := qt.New(t)
	e, bank := newEngine(Config{Delay: 100 * clock.Nanosecond, Width: 100 * clock.Nanosecond})

	for i := 0; i < 200; i++ {
		t0 := clock.Time(i) * clock.Millisecond
		if i%3 == 0 {
			e.Trigger(tpx3.T1Rise, t0)
		}
		e.Electron(tpx3.Electron{X: uint16(i % 1024)}, t0+150*clock.Nanosecond)
	}
	snap := bank.Snapshot()
	c.Assert(sum64(snap.Cspec) <= sum64(snap.Spec), qt.IsTrue)
	c.Assert(sum64(snap.Spec), qt.Equals, uint64(200))
}
