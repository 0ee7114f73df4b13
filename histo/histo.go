// Package histo owns the fixed set of acquisition histograms and the
// append-only event streams. All arrays are allocated once; the coincidence
// engine is the single writer, and the emission scheduler reads consistent
// copy-on-emit snapshots.
package histo

import "sync"

// Config sizes the bank. Zero fields take the defaults.
type Config struct {
	SpecPixels int // length of spec/cspec, detector columns plus overscan
	TBins      int // electron-trigger delay bins
	G2Bins     int // electron-photon delay bins, symmetric around zero
	StreamCap  int // capacity of each append stream between drains
}

// DefaultSpecPixels matches the legacy analysis scripts: 1024 detector
// columns plus 17 overscan columns.
const DefaultSpecPixels = 1041

func (c Config) withDefaults() Config {
	if c.SpecPixels <= 0 {
		c.SpecPixels = DefaultSpecPixels
	}
	if c.TBins <= 0 {
		c.TBins = 512
	}
	if c.G2Bins <= 0 {
		c.G2Bins = 512
	}
	if c.StreamCap <= 0 {
		c.StreamCap = 1 << 16
	}
	return c
}

// NumChannels is the IsiBox channel range (5-bit channel ids).
const NumChannels = 32

// A Bank is the live histogram set. Mutators lock per event so that one
// event's updates land in a snapshot all-or-nothing; the lock is
// uncontended except at emission boundaries.
type Bank struct {
	cfg Config

	mu       sync.Mutex
	spec     []uint64 // total spectrum by global x
	cspec    []uint64 // coincidence spectrum by global x
	tH       []int64  // electron-trigger delay, binned over the window
	g2tH     []int64  // electron-photon delay, binned over +-g2 width
	chCounts []uint64 // photons per IsiBox channel

	xH       *stream[uint32]
	yH       *stream[uint32]
	tot      *stream[uint16]
	tabs     *stream[uint64]
	channel  *stream[uint32]
	doubleTH *stream[int64]

	seq        uint64
	rangeDrops uint64
	eventCount uint64
}

// New allocates a bank. No further allocation happens on the hot path.
func New(cfg Config) *Bank {
	cfg = cfg.withDefaults()
	return &Bank{
		cfg:      cfg,
		spec:     make([]uint64, cfg.SpecPixels),
		cspec:    make([]uint64, cfg.SpecPixels),
		tH:       make([]int64, cfg.TBins),
		g2tH:     make([]int64, cfg.G2Bins),
		chCounts: make([]uint64, NumChannels),
		xH:       newStream[uint32](cfg.StreamCap),
		yH:       newStream[uint32](cfg.StreamCap),
		tot:      newStream[uint16](cfg.StreamCap),
		tabs:     newStream[uint64](cfg.StreamCap),
		channel:  newStream[uint32](cfg.StreamCap),
		doubleTH: newStream[int64](cfg.StreamCap),
	}
}

// Cfg returns the effective configuration.
func (b *Bank) Cfg() Config { return b.cfg }

// Unmatched records an electron with no trigger in its window: only the
// total spectrum grows.
func (b *Bank) Unmatched(x uint16) {
	b.mu.Lock()
	b.addSpec(x)
	b.eventCount++
	b.mu.Unlock()
}

// Matched records a coincident electron: total and coincidence spectra, the
// delay histogram bin, and the per-event streams, atomically for the event.
// tabsNs is the extended hit time in nanoseconds; dtBin indexes tH.
func (b *Bank) Matched(x uint16, y uint8, tot uint16, tabsNs uint64, dtBin int) {
	b.mu.Lock()
	b.addSpec(x)
	if int(x) < len(b.cspec) {
		b.cspec[x]++
	}
	if dtBin >= 0 && dtBin < len(b.tH) {
		b.tH[dtBin]++
	} else {
		b.rangeDrops++
	}
	b.xH.push(uint32(x))
	b.yH.push(uint32(y))
	b.tot.push(tot)
	b.tabs.push(tabsNs)
	b.eventCount++
	b.mu.Unlock()
}

// Photon records an IsiBox arrival on a channel.
func (b *Bank) Photon(ch uint8) {
	b.mu.Lock()
	if int(ch) < len(b.chCounts) {
		b.chCounts[ch]++
		b.channel.push(uint32(ch))
	} else {
		b.rangeDrops++
	}
	b.mu.Unlock()
}

// G2 records an electron-photon delay bin.
func (b *Bank) G2(bin int) {
	b.mu.Lock()
	if bin >= 0 && bin < len(b.g2tH) {
		b.g2tH[bin]++
	} else {
		b.rangeDrops++
	}
	b.mu.Unlock()
}

// Double records a clustered double-electron pair by its two trigger delays
// (260 ps units).
func (b *Bank) Double(dt1, dt2 int64) {
	b.mu.Lock()
	b.doubleTH.push(dt1)
	b.doubleTH.push(dt2)
	b.mu.Unlock()
}

func (b *Bank) addSpec(x uint16) {
	if int(x) < len(b.spec) {
		b.spec[x]++
	} else {
		b.rangeDrops++
	}
}

// RangeDrops reports updates rejected because a bin index fell outside its
// array. Indices never wrap or clamp into a neighbouring bin.
func (b *Bank) RangeDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rangeDrops
}

// StreamDrops reports append-stream values lost to a full ring since the
// last Reset; draining a stream does not clear its count.
func (b *Bank) StreamDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.xH.drops + b.yH.drops + b.tot.drops + b.tabs.drops +
		b.channel.drops + b.doubleTH.drops
}

// PendingStreamBytes estimates the bytes an emission would drain right now.
// The scheduler uses it for its threshold trigger.
func (b *Bank) PendingStreamBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return 4*len(b.xH.buf) + 4*len(b.yH.buf) + 2*len(b.tot.buf) +
		8*len(b.tabs.buf) + 4*len(b.channel.buf) + 8*len(b.doubleTH.buf)
}

// A Snapshot is one emission cycle's consistent view: bins are copies,
// streams are drained (the bank forgets them).
type Snapshot struct {
	Seq      uint64
	Events   uint64
	Spec     []uint64
	Cspec    []uint64
	TH       []int64
	G2TH     []int64
	ChCounts []uint64
	XH       []uint32
	YH       []uint32
	Tot      []uint16
	Tabs     []uint64
	Channel  []uint32
	DoubleTH []int64
}

// Snapshot copies all bins and drains all streams under one critical
// section, so every array reflects the same event prefix.
func (b *Bank) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return Snapshot{
		Seq:      b.seq,
		Events:   b.eventCount,
		Spec:     append([]uint64(nil), b.spec...),
		Cspec:    append([]uint64(nil), b.cspec...),
		TH:       append([]int64(nil), b.tH...),
		G2TH:     append([]int64(nil), b.g2tH...),
		ChCounts: append([]uint64(nil), b.chCounts...),
		XH:       b.xH.drain(),
		YH:       b.yH.drain(),
		Tot:      b.tot.drain(),
		Tabs:     b.tabs.drain(),
		Channel:  b.channel.drain(),
		DoubleTH: b.doubleTH.drain(),
	}
}

// Reset zeroes every bin and stream. A new acquisition session starts
// clean; calibration state lives elsewhere and survives.
func (b *Bank) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range [][]uint64{b.spec, b.cspec, b.chCounts} {
		for i := range s {
			s[i] = 0
		}
	}
	for _, s := range [][]int64{b.tH, b.g2tH} {
		for i := range s {
			s[i] = 0
		}
	}
	b.xH.reset()
	b.yH.reset()
	b.tot.reset()
	b.tabs.reset()
	b.channel.reset()
	b.doubleTH.reset()
	b.rangeDrops = 0
	b.eventCount = 0
}

// stream is a pre-sized append-only buffer. push drops when full (counted);
// drain hands the accumulated values to the snapshot and reuses nothing, so
// the snapshot owns what it got.
type stream[T uint16 | uint32 | uint64 | int64] struct {
	buf   []T
	cap   int
	drops uint64
}

func newStream[T uint16 | uint32 | uint64 | int64](capacity int) *stream[T] {
	return &stream[T]{buf: make([]T, 0, capacity), cap: capacity}
}

func (s *stream[T]) push(v T) {
	if len(s.buf) == s.cap {
		s.drops++
		return
	}
	s.buf = append(s.buf, v)
}

func (s *stream[T]) drain() []T {
	out := s.buf
	s.buf = make([]T, 0, s.cap)
	return out
}

func (s *stream[T]) reset() {
	s.buf = s.buf[:0]
	s.drops = 0
}
