package emit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/timestem/tp3stream/histo"
)

// SchedulerConfig tunes emission cadence. Zero fields take the defaults.
type SchedulerConfig struct {
	Interval     time.Duration // periodic snapshot cadence
	StreamBytes  int           // early emission once pending streams reach this
	LegacyText   bool          // render spec/cspec as CSV
	PendingDepth int           // snapshots buffered toward slow sinks
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.StreamBytes <= 0 {
		c.StreamBytes = 1 << 20
	}
	if c.PendingDepth <= 0 {
		c.PendingDepth = 4
	}
	return c
}

// A Scheduler periodically snapshots the bank and serializes the arrays to
// every sink. It owns no histogram memory and never blocks the hot path:
// taking a snapshot is the only contact point, and a slow sink costs the
// scheduler the oldest pending snapshot, never an event.
type Scheduler struct {
	cfg  SchedulerConfig
	bank *histo.Bank
	log  *zap.Logger

	mu    sync.Mutex
	sinks []Sink

	sendMu sync.Mutex // one emission at a time; sinks buffer per frame

	kick    chan struct{}
	pending chan histo.Snapshot

	droppedSnapshots uint64 // atomic
	sinkErrors       uint64 // atomic
}

// DroppedSnapshots counts pending snapshots displaced by newer ones.
func (s *Scheduler) DroppedSnapshots() uint64 { return atomic.LoadUint64(&s.droppedSnapshots) }

// SinkErrors counts failed frame emissions.
func (s *Scheduler) SinkErrors() uint64 { return atomic.LoadUint64(&s.sinkErrors) }

// NewScheduler wires a bank to its sinks.
func NewScheduler(cfg SchedulerConfig, bank *histo.Bank, log *zap.Logger, sinks ...Sink) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		bank:    bank,
		sinks:   sinks,
		log:     log,
		kick:    make(chan struct{}, 1),
		pending: make(chan histo.Snapshot, cfg.PendingDepth),
	}
}

// AddSink registers a sink for subsequent emissions.
func (s *Scheduler) AddSink(k Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, k)
	s.mu.Unlock()
}

// RemoveSink unregisters a sink. The caller closes it.
func (s *Scheduler) RemoveSink(k Sink) {
	s.mu.Lock()
	for i, have := range s.sinks {
		if have == k {
			s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Kick requests an immediate emission (console command, byte threshold).
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx ends, then emits one final snapshot.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	go s.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			// Final snapshot, synchronous: the pending queue may be
			// torn down already.
			s.send(s.bank.Snapshot())
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		s.enqueue(s.bank.Snapshot())
	}
}

// CheckThreshold kicks an emission when the pending append streams grew
// past the byte threshold. Cheap enough for the hot path to call per
// consumed buffer; it only peeks at the stream lengths.
func (s *Scheduler) CheckThreshold() {
	if s.bank.PendingStreamBytes() >= s.cfg.StreamBytes {
		s.Kick()
	}
}

// enqueue hands a snapshot to the sink writer, displacing the oldest
// pending one when the writer is behind.
func (s *Scheduler) enqueue(snap histo.Snapshot) {
	for {
		select {
		case s.pending <- snap:
			return
		default:
		}
		select {
		case <-s.pending:
			atomic.AddUint64(&s.droppedSnapshots, 1)
		default:
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.pending:
			s.send(snap)
		}
	}
}

func (s *Scheduler) send(snap histo.Snapshot) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	frames := Frames(snap, s.cfg.LegacyText)
	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		for _, f := range frames {
			if err := sink.Emit(f); err != nil {
				atomic.AddUint64(&s.sinkErrors, 1)
				s.log.Warn("emit failed",
					zap.String("array", f.Header.Array.String()),
					zap.Uint64("seq", snap.Seq),
					zap.Error(err))
			}
		}
	}
}
