package acq

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"

	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/tpx3"
)

func TestNewSessionConfigErrors(t *testing.T) {
	c := qt.New(t)
	_, err := NewSession(Config{}, zap.NewNop())
	c.Assert(err, qt.IsNotNil)

	// A present-but-broken calibration table is a configuration error.
	bad := filepath.Join(t.TempDir(), "bad.calib")
	c.Assert(os.WriteFile(bad, []byte("regions 3\n"), 0o644), qt.IsNil)
	_, err = NewSession(Config{Upstream: "127.0.0.1:1", CalibPath: bad}, zap.NewNop())
	c.Assert(err, qt.IsNotNil)

	// A missing one is not.
	_, err = NewSession(Config{
		Upstream:  "127.0.0.1:1",
		CalibPath: filepath.Join(t.TempDir(), "absent.calib"),
	}, zap.NewNop())
	c.Assert(err, qt.IsNil)
}

func TestConsoleCommands(t *testing.T) {
	c := qt.New(t)
	s, err := NewSession(Config{Upstream: "127.0.0.1:1"}, zap.NewNop())
	c.Assert(err, qt.IsNil)
	s.reset()

	reply, quit := s.execConsole("stats")
	c.Assert(quit, qt.IsFalse)
	c.Assert(reply, qt.Contains, "electrons=0")

	reply, _ = s.execConsole(`set delay 400000`)
	c.Assert(reply, qt.Equals, "ok")
	delay, width := s.lastWindow()
	c.Assert(delay, qt.Equals, 400*clock.Microsecond)
	c.Assert(width, qt.Equals, 25*clock.Microsecond) // default preserved

	reply, _ = s.execConsole("set width 1000")
	c.Assert(reply, qt.Equals, "ok")
	_, width = s.lastWindow()
	c.Assert(width, qt.Equals, 1*clock.Microsecond)

	reply, _ = s.execConsole("emit")
	c.Assert(reply, qt.Equals, "ok")

	reply, _ = s.execConsole("set delay nope")
	c.Assert(reply, qt.Contains, "err")
	reply, _ = s.execConsole("bogus")
	c.Assert(reply, qt.Contains, "unknown")
	reply, quit = s.execConsole("quit")
	c.Assert(quit, qt.IsTrue)
	c.Assert(reply, qt.Equals, "bye")
}

// End to end over a real socket: a scripted detector sends triggers and
// electrons, closes, and the session reports the disconnect after emitting
// its final snapshot to the file sink.
func TestSessionEndToEnd(t *testing.T) {
	c := qt.New(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer lis.Close()

	emitDir := t.TempDir()
	s, err := NewSession(Config{
		Upstream:     lis.Addr().String(),
		Delay:        400 * clock.Microsecond,
		Width:        200 * clock.Microsecond,
		EmitDir:      emitDir,
		EmitInterval: 20 * time.Millisecond,
		LegacyText:   true,
	}, zap.NewNop())
	c.Assert(err, qt.IsNil)

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		var b []byte
		// TDC T1R at 1 s, then an electron 500 us later: inside the
		// window.
		b = tpx3.AppendTDCChunk(b, tpx3.TDC{Kind: tpx3.T1Rise, Coarse: 320e6})
		spidr := uint16((1*clock.Second + 500*clock.Microsecond) / clock.SpidrStep)
		rem := (1*clock.Second + 500*clock.Microsecond) % clock.SpidrStep
		ctoa := uint32(rem / clock.ElectronTick)
		b = tpx3.AppendElectronChunk(b, 1, []tpx3.Electron{{
			Chip: 1, XLocal: 10, Y: 3,
			ToA: uint16(ctoa >> 4), FToA: uint8(^ctoa & 0xF), ToT: 25,
			SPIDR: spidr,
		}})
		conn.Write(b)
		time.Sleep(150 * time.Millisecond)
		conn.Close()
	}()

	err = s.Run(context.Background())
	c.Assert(errors.Is(err, ErrUpstreamDisconnect), qt.IsTrue, qt.Commentf("%v", err))

	spec, err := os.ReadFile(filepath.Join(emitDir, "spec.txt"))
	c.Assert(err, qt.IsNil)
	c.Assert(len(spec) > 0, qt.IsTrue)

	ec := s.engine.Counters()
	c.Assert(ec.Electrons, qt.Equals, uint64(1))
	c.Assert(ec.Matched, qt.Equals, uint64(1))
	c.Assert(ec.Triggers[tpx3.T1Rise], qt.Equals, uint64(1))
}

func TestSessionShutdownByContext(t *testing.T) {
	c := qt.New(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer lis.Close()
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			defer conn.Close()
			// Idle upstream: the read deadline must keep shutdown
			// prompt.
			time.Sleep(2 * time.Second)
		}
	}()

	s, err := NewSession(Config{Upstream: lis.Addr().String()}, zap.NewNop())
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		c.Assert(err, qt.IsNil)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}
