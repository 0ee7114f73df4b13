// Package acq runs an acquisition session: it owns the upstream detector
// connection, the decode hot path, the optional photon side channel, the
// downstream consumer, and the monitor console.
package acq

import (
	"time"

	"github.com/timestem/tp3stream/clock"
)

// Config assembles a session. Zero fields take the defaults.
type Config struct {
	// Upstream selects where the raw stream comes from: an address to
	// dial (the detector read-out serves) or, when Listen is set, an
	// address to accept one detector connection on.
	Upstream string
	Listen   string

	// Consumer is the listener address for the single downstream
	// snapshot consumer. Empty disables the TCP consumer.
	Consumer string

	// Monitor is the listener address of the line console. Empty
	// disables it.
	Monitor string

	// IsiBox is the photon side-channel address to dial. Empty disables
	// the g2 path's photon feed.
	IsiBox string

	// CalibPath points at the delay table. Empty loads the zero table.
	CalibPath string

	Delay   clock.Time // coincidence window lower edge
	Width   clock.Time // coincidence window length
	G2Width clock.Time // electron-photon window, 0 disables g2

	SpecPixels int

	EmitInterval time.Duration
	EmitDir      string // file sink directory, empty disables
	MQTTBroker   string // mqtt sink, empty disables
	MQTTPrefix   string
	LegacyText   bool

	RecvTimeout  time.Duration // upstream read deadline
	ResyncBudget uint64        // malformed-chunk episodes before giving up
	RingDepth    int           // reader-to-hot-path hand-off depth
	ReadChunk    int           // upstream read buffer size

	// ConsumerFailBudget bounds consecutive failed emissions to one
	// consumer; ConsumerLossBudget bounds consumer reconnect cycles per
	// session before the session reports the consumer lost.
	ConsumerFailBudget int
	ConsumerLossBudget int
}

func (c Config) withDefaults() Config {
	if c.Delay == 0 {
		c.Delay = 625 * clock.Microsecond
	}
	if c.Width == 0 {
		c.Width = 25 * clock.Microsecond
	}
	if c.EmitInterval <= 0 {
		c.EmitInterval = 100 * time.Millisecond
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = 5 * time.Millisecond
	}
	if c.ResyncBudget == 0 {
		c.ResyncBudget = 64
	}
	if c.RingDepth <= 0 {
		c.RingDepth = 1024
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = 1 << 16
	}
	if c.ConsumerFailBudget <= 0 {
		c.ConsumerFailBudget = 20
	}
	if c.ConsumerLossBudget <= 0 {
		c.ConsumerLossBudget = 5
	}
	return c
}
