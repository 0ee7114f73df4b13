// Package coinc correlates reconstructed electron events against bounded
// windows of recent trigger and photon timestamps and drives the histogram
// bank. It is the single writer of the bank.
package coinc

import (
	"sync/atomic"

	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/histo"
	"github.com/timestem/tp3stream/tpx3"
)

// Config sets the coincidence windows. Zero fields take the defaults.
type Config struct {
	Delay clock.Time // lower edge of the electron-trigger window
	Width clock.Time // window length

	G2Width       clock.Time // electron-photon window, 0 disables the g2 path
	ClusterWindow clock.Time // double-electron pairing window

	NRef        int // trigger timestamps retained per kind
	NPhoton     int // photon timestamps retained
	PhotonQueue int // cross-task photon hand-off capacity
}

func (c Config) withDefaults() Config {
	if c.Delay == 0 {
		c.Delay = 625 * clock.Microsecond
	}
	if c.Width == 0 {
		c.Width = 25 * clock.Microsecond
	}
	if c.ClusterWindow == 0 {
		c.ClusterWindow = 50 * clock.Nanosecond
	}
	if c.NRef == 0 {
		c.NRef = 16
	}
	if c.NPhoton == 0 {
		c.NPhoton = 16
	}
	if c.PhotonQueue == 0 {
		c.PhotonQueue = 1024
	}
	return c
}

// Outcome is an electron's terminal state.
type Outcome uint8

const (
	Matched Outcome = iota
	Unmatched
	Dropped
)

// Counters are the engine's observability counters.
type Counters struct {
	Electrons  uint64
	Matched    uint64
	Triggers   [tpx3.NumTriggerKinds]uint64
	Photons    uint64
	G2Pairs    uint64
	Doubles    uint64
	PhotonDrop uint64
}

type photon struct {
	ch uint8
	t  clock.Time
}

// An Engine holds the sliding reference windows and matches electrons into
// the bank. All methods except PushPhoton belong to the hot-path task;
// PushPhoton may be called from the side-channel task.
type Engine struct {
	cfg  Config
	bank *histo.Bank

	delay, width clock.Time // live window, adjustable between events
	tBins        int
	g2Bins       int

	refs    [tpx3.NumTriggerKinds]*ring
	photons *ring
	photonq chan photon

	// double-electron clustering state
	lastMatchT  clock.Time
	lastMatchDt clock.Time
	havePrev    bool

	ctr        Counters
	photonDrop uint64 // atomic, producer side
}

// New builds an engine writing into bank.
func New(cfg Config, bank *histo.Bank) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		bank:    bank,
		delay:   cfg.Delay,
		width:   cfg.Width,
		tBins:   bank.Cfg().TBins,
		g2Bins:  bank.Cfg().G2Bins,
		photons: newRing(cfg.NPhoton),
		photonq: make(chan photon, cfg.PhotonQueue),
	}
	for k := range e.refs {
		e.refs[k] = newRing(cfg.NRef)
	}
	return e
}

// Window reports the live coincidence window.
func (e *Engine) Window() (delay, width clock.Time) { return e.delay, e.width }

// SetWindow adjusts the coincidence window between events (handshake or
// console). Hot-path owner only.
func (e *Engine) SetWindow(delay, width clock.Time) {
	if width > 0 {
		e.delay, e.width = delay, width
	}
}

// Counters returns a copy of the counters, including producer-side photon
// drops.
func (e *Engine) Counters() Counters {
	c := e.ctr
	c.PhotonDrop = atomic.LoadUint64(&e.photonDrop)
	return c
}

// Trigger records a TDC edge into its reference window.
func (e *Engine) Trigger(kind tpx3.TriggerKind, t clock.Time) {
	if kind >= tpx3.NumTriggerKinds {
		return
	}
	e.ctr.Triggers[kind]++
	e.refs[kind].push(t)
}

// PushPhoton hands a photon arrival to the engine from another task. It
// never blocks: when the queue is full the newest photon is dropped and
// counted.
func (e *Engine) PushPhoton(ch uint8, t clock.Time) {
	select {
	case e.photonq <- photon{ch, t}:
	default:
		atomic.AddUint64(&e.photonDrop, 1)
	}
}

// drainPhotons moves queued photons into the ring and the channel stream.
func (e *Engine) drainPhotons() {
	for {
		select {
		case p := <-e.photonq:
			e.ctr.Photons++
			e.photons.push(p.t)
			e.bank.Photon(p.ch)
		default:
			return
		}
	}
}

// Electron matches one reconstructed hit against the T1-rising window and,
// when configured, the photon window. te is the extended, calibrated hit
// time.
func (e *Engine) Electron(ev tpx3.Electron, te clock.Time) Outcome {
	e.drainPhotons()
	e.ctr.Electrons++

	ref, ok := e.match(te)
	if e.cfg.G2Width > 0 {
		e.g2(te)
	}
	if !ok {
		e.bank.Unmatched(ev.X)
		e.havePrev = false
		return Unmatched
	}

	dt := te - ref
	e.ctr.Matched++
	e.bank.Matched(ev.X, ev.Y, ev.ToT, uint64(te/clock.Nanosecond), e.tBin(dt))
	e.cluster(te, dt)
	return Matched
}

// match scans the T1-rising ring newest to oldest; the first (newest)
// reference inside [delay, delay+width] wins.
func (e *Engine) match(te clock.Time) (clock.Time, bool) {
	r := e.refs[tpx3.T1Rise]
	for i := 0; i < r.len(); i++ {
		ref := r.at(i)
		dt := te - ref
		if dt >= e.delay && dt <= e.delay+e.width {
			return ref, true
		}
	}
	return 0, false
}

// tBin maps a matched delay onto the tH bins spanning [delay, delay+width].
func (e *Engine) tBin(dt clock.Time) int {
	return int((dt - e.delay) * clock.Time(e.tBins) / (e.width + 1))
}

// g2 correlates the electron with the nearest photon.
func (e *Engine) g2(te clock.Time) {
	r := e.photons
	if r.len() == 0 {
		return
	}
	best := te - r.at(0)
	for i := 1; i < r.len(); i++ {
		if d := te - r.at(i); abs(d) < abs(best) {
			best = d
		}
	}
	if abs(best) <= e.cfg.G2Width {
		e.ctr.G2Pairs++
		w := e.cfg.G2Width
		e.bank.G2(int((best + w) * clock.Time(e.g2Bins) / (2*w + 1)))
	}
}

// cluster pairs consecutive matched electrons closer than the cluster
// window; both delays go to the double-electron stream in 260 ps units.
func (e *Engine) cluster(te, dt clock.Time) {
	if e.havePrev && te-e.lastMatchT <= e.cfg.ClusterWindow {
		e.ctr.Doubles++
		e.bank.Double(int64(e.lastMatchDt/clock.TdcFineTick), int64(dt/clock.TdcFineTick))
		e.havePrev = false
		return
	}
	e.lastMatchT, e.lastMatchDt, e.havePrev = te, dt, true
}

// Reset clears windows and counters for a new session.
func (e *Engine) Reset() {
	for _, r := range e.refs {
		r.reset()
	}
	e.photons.reset()
	for {
		select {
		case <-e.photonq:
		default:
			e.ctr = Counters{}
			atomic.StoreUint64(&e.photonDrop, 0)
			e.havePrev = false
			return
		}
	}
}

func abs(t clock.Time) clock.Time {
	if t < 0 {
		return -t
	}
	return t
}
