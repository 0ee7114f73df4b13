// Package clock extends the wrapped hardware counters of the Timepix3
// read-out into monotone 64-bit timestamps.
//
// All times are carried in half-picosecond units. That is the coarsest unit
// in which every clock involved is integral: the electron fine-ToA tick
// (25/16 ns = 3125 units), the TDC coarse tick (3.125 ns = 6250 units), the
// TDC fine tick (260 ps = 520 units) and the IsiBox tick (120 ps = 240
// units).
package clock

// Time is a timestamp or interval in half-picosecond units.
type Time int64

const (
	HalfPico    Time = 1
	Picosecond  Time = 2
	Nanosecond  Time = 2000
	Microsecond Time = 2000 * 1000
	Millisecond Time = 2000 * 1000 * 1000
	Second      Time = 2000 * 1000 * 1000 * 1000
)

// Nanoseconds returns t as a floating-point nanosecond count.
func (t Time) Nanoseconds() float64 { return float64(t) / float64(Nanosecond) }

// Seconds returns t as a floating-point second count.
func (t Time) Seconds() float64 { return float64(t) / float64(Second) }

// FromNanos converts a whole nanosecond count to a Time.
func FromNanos(ns int64) Time { return Time(ns) * Nanosecond }

// Epoch sizes of the two detector clock domains.
//
// The SPIDR frame counter is 16 bits of 25*16384 ns steps; the TDC coarse
// counter is 35 bits of 1/320 MHz steps. (The mock detector scripts shipped
// with the instrument use 26843136000 ns for the SPIDR epoch; that value is
// not 25*16384*65536 and is wrong.)
const (
	SpidrEpoch Time = 25 * 16384 * 65536 * Nanosecond
	TdcEpoch   Time = (1 << 35) * TdcCoarseTick
)

// Native tick sizes, in Time units.
const (
	ElectronTick  Time = 3125 // 25/16 ns, one fine-ToA step
	SpidrStep     Time = 16384 * 16 * ElectronTick
	TdcCoarseTick Time = 6250 // 3.125 ns, one 320 MHz step
	TdcFineTick   Time = 520  // 260 ps
	IsiTick       Time = 240  // 120 ps
)

// DefaultBackstep is the reorder slack: raw timestamps may step backwards by
// up to this much without being treated as a counter wrap or a regression.
// Parallel pixel banks on one chip deliver hits slightly out of order.
const DefaultBackstep = 1 * Microsecond

// An Extender turns wrapped raw timestamps from one clock domain into
// monotone extended timestamps. It is not safe for concurrent use; every
// clock domain has exactly one owner.
type Extender struct {
	epoch  Time
	slack  Time
	prev   Time // last raw value accepted
	last   Time // last extended value returned
	epochs int64
	primed bool

	// Regressions counts raw backsteps beyond the slack that were not
	// large enough to be a wrap. The extender keeps the larger timestamp.
	Regressions uint64
}

// NewExtender returns an extender for a domain with the given epoch size.
// A slack of 0 selects DefaultBackstep.
func NewExtender(epoch, slack Time) *Extender {
	if slack == 0 {
		slack = DefaultBackstep
	}
	return &Extender{epoch: epoch, slack: slack}
}

// Extend maps a raw in-epoch timestamp to the extended time line.
//
// A backstep of more than half an epoch is a counter wrap and advances the
// epoch. A backstep within the slack is accepted as-is. Anything between is
// a regression: it is counted and the previous (larger) extended time is
// returned, so the output stays monotone outside the slack.
func (e *Extender) Extend(raw Time) Time {
	if !e.primed {
		e.primed = true
		e.prev = raw
		e.last = raw + Time(e.epochs)*e.epoch
		return e.last
	}
	switch {
	case raw+e.epoch/2 < e.prev:
		e.epochs++
		e.prev = raw
	case raw < e.prev:
		if e.prev-raw > e.slack {
			e.Regressions++
			return e.last
		}
		// inside the slack: accept, keep prev at the high-water mark
	default:
		e.prev = raw
	}
	ext := Time(e.epochs)*e.epoch + raw
	if ext > e.last {
		e.last = ext
	}
	return ext
}

// Realign sets the epoch counter to the epoch that contains ext; the domain's
// current raw position keeps its in-epoch offset within that epoch. Used when
// the stream carries an absolute global timestamp.
func (e *Extender) Realign(ext Time) {
	e.epochs = int64(ext / e.epoch)
	e.last = Time(e.epochs)*e.epoch + e.prev
}

// Current reports the last extended time returned, or 0 before any sample.
func (e *Extender) Current() Time { return e.last }

// Reset clears all state. A new acquisition session starts from scratch.
func (e *Extender) Reset() {
	e.prev, e.last, e.epochs, e.primed, e.Regressions = 0, 0, 0, false, 0
}
