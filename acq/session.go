package acq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/timestem/tp3stream/calib"
	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/coinc"
	"github.com/timestem/tp3stream/emit"
	"github.com/timestem/tp3stream/histo"
	"github.com/timestem/tp3stream/isibox"
	"github.com/timestem/tp3stream/tpx3"
)

// Session outcomes surfaced to the daemon for its exit code.
var (
	ErrUpstreamDisconnect = errors.New("acq: upstream disconnected")
	ErrStreamCorrupt      = errors.New("acq: resync budget exhausted")
	ErrConsumerLost       = errors.New("acq: downstream consumer disconnected repeatedly")
)

type window struct {
	delay, width clock.Time
}

// liveStats is the periodically published observability snapshot.
type liveStats struct {
	Dec          tpx3.Stats
	Engine       coinc.Counters
	Delay, Width clock.Time
}

// A Session owns one acquisition run: reader task, decode hot path,
// emission scheduler, optional photon side channel, consumer and console
// listeners. Histogram state is rebuilt per Run; the calibration table
// survives.
type Session struct {
	cfg Config
	log *zap.Logger

	bank   *histo.Bank
	engine *coinc.Engine
	table  *calib.Table
	sched  *emit.Scheduler

	dec    *tpx3.Decoder
	spidr  [tpx3.NChips]*clock.Extender
	tdc    *clock.Extender
	photon *clock.Extender

	ring chan []byte
	free chan []byte
	winq chan window

	// live is the console's racy-read-free view of the hot path's
	// counters, refreshed once per consumed buffer.
	live atomic.Value // liveStats

	ringDrops    uint64 // atomic, reader side
	ignored      uint64
	malformedTdc uint64
	globalStamps uint64
}

// NewSession builds a session from the configuration. Sinks that need
// external services (MQTT) are connected here, so a bad configuration
// fails before any acquisition starts.
func NewSession(cfg Config, log *zap.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Upstream == "" && cfg.Listen == "" {
		return nil, fmt.Errorf("acq: neither upstream nor listen address configured")
	}

	table := calib.Zero()
	if cfg.CalibPath != "" {
		t, err := calib.Load(cfg.CalibPath)
		switch {
		case err == nil:
			table = t
		case os.IsNotExist(err):
			log.Warn("calibration table missing, using zero delays",
				zap.String("path", cfg.CalibPath))
		default:
			return nil, fmt.Errorf("acq: calibration: %w", err)
		}
	}

	bank := histo.New(histo.Config{SpecPixels: cfg.SpecPixels})
	engine := coinc.New(coinc.Config{
		Delay:   cfg.Delay,
		Width:   cfg.Width,
		G2Width: cfg.G2Width,
	}, bank)

	var sinks []emit.Sink
	if cfg.EmitDir != "" {
		if err := os.MkdirAll(cfg.EmitDir, 0o755); err != nil {
			return nil, fmt.Errorf("acq: emit dir: %w", err)
		}
		sinks = append(sinks, &emit.FileSink{Dir: cfg.EmitDir})
	}
	if cfg.MQTTBroker != "" {
		ms, err := emit.NewMQTTSink(cfg.MQTTBroker, "tp3d", cfg.MQTTPrefix)
		if err != nil {
			return nil, fmt.Errorf("acq: mqtt: %w", err)
		}
		sinks = append(sinks, ms)
	}
	sched := emit.NewScheduler(emit.SchedulerConfig{
		Interval:   cfg.EmitInterval,
		LegacyText: cfg.LegacyText,
	}, bank, log, sinks...)

	s := &Session{
		cfg:    cfg,
		log:    log,
		bank:   bank,
		engine: engine,
		table:  table,
		sched:  sched,
		tdc:    clock.NewExtender(clock.TdcEpoch, 0),
		photon: clock.NewExtender(1<<62, 0),
		ring:   make(chan []byte, cfg.RingDepth),
		free:   make(chan []byte, cfg.RingDepth),
		winq:   make(chan window, 1),
	}
	for i := range s.spidr {
		s.spidr[i] = clock.NewExtender(clock.SpidrEpoch, 0)
	}
	return s, nil
}

// Run performs one acquisition session and blocks until the upstream ends,
// the stream is beyond recovery, the consumer is lost, or ctx is canceled.
// All non-calibration state is reset first, so a session can be rerun.
func (s *Session) Run(ctx context.Context) error {
	s.reset()

	upstream, err := s.connectUpstream(ctx)
	if err != nil {
		return err
	}
	defer upstream.Close()

	var consumer, monitor net.Listener
	if s.cfg.Consumer != "" {
		lis, err := net.Listen("tcp", s.cfg.Consumer)
		if err != nil {
			return fmt.Errorf("acq: consumer listen: %w", err)
		}
		consumer = netutil.LimitListener(lis, 1)
		defer consumer.Close()
	}
	if s.cfg.Monitor != "" {
		lis, err := net.Listen("tcp", s.cfg.Monitor)
		if err != nil {
			return fmt.Errorf("acq: monitor listen: %w", err)
		}
		monitor = lis
		defer monitor.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	closeOnDone := func(c io.Closer) {
		go func() {
			<-ctx.Done()
			c.Close()
		}()
	}
	closeOnDone(upstream)

	g.Go(func() error { return s.readLoop(ctx, upstream) })
	g.Go(func() error { return s.hotLoop(ctx) })
	g.Go(func() error {
		err := s.sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if consumer != nil {
		closeOnDone(consumer)
		g.Go(func() error { return s.consumerLoop(ctx, consumer) })
	}
	if monitor != nil {
		closeOnDone(monitor)
		g.Go(func() error { return s.consoleLoop(ctx, monitor) })
	}
	if s.cfg.IsiBox != "" {
		g.Go(func() error { return s.isiLoop(ctx) })
	}

	err = g.Wait()
	s.report()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) reset() {
	s.dec = tpx3.NewDecoder()
	s.bank.Reset()
	s.engine.Reset()
	s.engine.SetWindow(s.cfg.Delay, s.cfg.Width)
	for _, e := range s.spidr {
		e.Reset()
	}
	s.tdc.Reset()
	s.photon.Reset()
	atomic.StoreUint64(&s.ringDrops, 0)
	s.ignored, s.malformedTdc, s.globalStamps = 0, 0, 0
	s.publishStats()
	for {
		select {
		case <-s.ring:
		default:
			return
		}
	}
}

func (s *Session) connectUpstream(ctx context.Context) (net.Conn, error) {
	if s.cfg.Upstream != "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", s.cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("acq: upstream dial: %w", err)
		}
		s.log.Info("upstream connected", zap.String("addr", s.cfg.Upstream))
		return conn, nil
	}

	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("acq: upstream listen: %w", err)
	}
	defer lis.Close()
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	conn, err := lis.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acq: upstream accept: %w", err)
	}
	s.log.Info("detector connected", zap.String("peer", conn.RemoteAddr().String()))
	return conn, nil
}

// readLoop pulls raw bytes into the hand-off ring. The short read deadline
// keeps an idle connection from wedging shutdown; expiry drops no state.
func (s *Session) readLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		var buf []byte
		select {
		case buf = <-s.free:
			buf = buf[:cap(buf)]
		default:
			buf = make([]byte, s.cfg.ReadChunk)
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.RecvTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case s.ring <- buf[:n]:
			default:
				// Hot path behind: drop-newest, keep the session alive.
				atomic.AddUint64(&s.ringDrops, 1)
				s.recycle(buf)
			}
		} else {
			s.recycle(buf)
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrUpstreamDisconnect
			}
			return fmt.Errorf("%w: %v", ErrUpstreamDisconnect, err)
		}
	}
}

func (s *Session) recycle(buf []byte) {
	select {
	case s.free <- buf:
	default:
	}
}

// hotLoop drives decode, reconstruction, coincidence and histogram updates.
// It allocates nothing per packet and suspends only while the ring is
// empty.
func (s *Session) hotLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drainRing()
			return nil
		case buf := <-s.ring:
			s.consume(buf)
			s.publishStats()
			if s.dec.Stats().Resyncs > s.cfg.ResyncBudget {
				return ErrStreamCorrupt
			}
			s.sched.CheckThreshold()
		}
	}
}

// drainRing finishes in-flight bytes on shutdown, bounded by the ring
// depth.
func (s *Session) drainRing() {
	for {
		select {
		case buf := <-s.ring:
			s.consume(buf)
		default:
			return
		}
	}
}

func (s *Session) consume(buf []byte) {
	select {
	case w := <-s.winq:
		s.engine.SetWindow(w.delay, w.width)
	default:
	}

	s.dec.Feed(buf)
	s.recycle(buf)
	for {
		rec, ok := s.dec.Next()
		if !ok {
			return
		}
		s.process(rec)
	}
}

func (s *Session) process(rec tpx3.PacketRecord) {
	switch rec.ID() {
	case tpx3.IDElectron:
		e := tpx3.DecodeElectron(rec)
		t := s.spidr[rec.Chip&3].Extend(e.RawTime())
		t += s.table.Delay(e.X, e.Y, e.ToT, e.Chip)
		s.engine.Electron(e, t)
	case tpx3.IDTDC:
		td, err := tpx3.DecodeTDC(rec)
		if err != nil {
			s.malformedTdc++
			return
		}
		s.engine.Trigger(td.Kind, s.tdc.Extend(td.RawTime()))
	case tpx3.IDGlobalTime:
		g := tpx3.DecodeGlobalTime(rec)
		s.globalStamps++
		ext := s.spidr[rec.Chip&3].Current()
		if d := g.Time() - ext; d >= clock.SpidrEpoch || d <= -clock.SpidrEpoch {
			s.spidr[rec.Chip&3].Realign(g.Time())
		}
	default:
		s.ignored++
	}
}

// isiLoop feeds the photon side channel. Losing it degrades the g2 path
// but never ends the session.
func (s *Session) isiLoop(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.IsiBox)
	if err != nil {
		s.log.Warn("isibox unavailable", zap.String("addr", s.cfg.IsiBox), zap.Error(err))
		return nil
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var split isibox.Splitter
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.RecvTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			split.Feed(buf[:n])
			for p, ok := split.Next(); ok; p, ok = split.Next() {
				s.engine.PushPhoton(p.Channel, s.photon.Extend(p.Time()))
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				s.log.Warn("isibox stream ended", zap.Error(err))
			}
			return nil
		}
	}
}

// consumerLoop serves the single snapshot consumer, reapplying its control
// commands and surfacing repeated loss.
func (s *Session) consumerLoop(ctx context.Context, lis net.Listener) error {
	losses := 0
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acq: consumer accept: %w", err)
		}
		s.serveConsumer(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		losses++
		if losses >= s.cfg.ConsumerLossBudget {
			return ErrConsumerLost
		}
		s.log.Info("consumer lost, waiting for reconnect", zap.Int("losses", losses))
	}
}

func (s *Session) serveConsumer(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.log.Info("consumer connected", zap.String("peer", conn.RemoteAddr().String()))

	hs := make([]byte, HandshakeSize)
	conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	if _, err := io.ReadFull(conn, hs); err == nil {
		s.applyHandshake(hs)
	}

	sink := &emit.TCPSink{Conn: conn}
	s.sched.AddSink(sink)
	defer s.sched.RemoveSink(sink)

	for {
		if ctx.Err() != nil {
			return
		}
		if sink.Fails() >= s.cfg.ConsumerFailBudget {
			s.log.Warn("consumer write failures over budget")
			return
		}
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, err := io.ReadFull(conn, hs)
		switch {
		case err == nil:
			// A repeated control command retunes the window and forces
			// an emission.
			s.applyHandshake(hs)
			s.sched.Kick()
		default:
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return
		}
	}
}

func (s *Session) applyHandshake(b []byte) {
	h, err := ParseHandshake(b)
	if err != nil {
		s.log.Warn("bad control command", zap.Error(err))
		return
	}
	s.log.Info("control command",
		zap.Uint16("mode", h.Mode),
		zap.Uint16("xspim", h.XSpim),
		zap.Uint16("yspim", h.YSpim),
		zap.Float64("tdelay_ns", h.TDelay),
		zap.Float64("twidth_ns", h.TWidth))
	if delay, width, ok := h.Window(); ok {
		select {
		case <-s.winq:
		default:
		}
		select {
		case s.winq <- window{delay, width}:
		default:
		}
	}
}

// publishStats refreshes the console's view. Hot-path owner only.
func (s *Session) publishStats() {
	delay, width := s.engine.Window()
	s.live.Store(liveStats{
		Dec:    s.dec.Stats(),
		Engine: s.engine.Counters(),
		Delay:  delay,
		Width:  width,
	})
}

// report logs the session's cumulative counters.
func (s *Session) report() {
	st := s.dec.Stats()
	ec := s.engine.Counters()
	var triggers uint64
	for _, n := range ec.Triggers {
		triggers += n
	}
	s.log.Info("session counters",
		zap.Uint64("chunks", st.Chunks),
		zap.Uint64("packets", st.Packets),
		zap.Uint64("malformed_chunks", st.MalformedChunks),
		zap.Uint64("resyncs", st.Resyncs),
		zap.Uint64("skipped_bytes", st.SkippedBytes),
		zap.Uint64("ignored_packets", s.ignored),
		zap.Uint64("malformed_tdc", s.malformedTdc),
		zap.Uint64("global_stamps", s.globalStamps),
		zap.Uint64("electrons", ec.Electrons),
		zap.Uint64("matched", ec.Matched),
		zap.Uint64("triggers", triggers),
		zap.Uint64("photons", ec.Photons),
		zap.Uint64("g2_pairs", ec.G2Pairs),
		zap.Uint64("doubles", ec.Doubles),
		zap.Uint64("photon_drops", ec.PhotonDrop),
		zap.Uint64("ring_drops", atomic.LoadUint64(&s.ringDrops)),
		zap.Uint64("range_drops", s.bank.RangeDrops()),
		zap.Uint64("stream_drops", s.bank.StreamDrops()),
		zap.Uint64("snapshot_drops", s.sched.DroppedSnapshots()),
		zap.Uint64("sink_errors", s.sched.SinkErrors()))
}
