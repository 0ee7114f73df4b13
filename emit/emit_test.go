package emit

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"

	"github.com/timestem/tp3stream/histo"
)

func TestHeaderRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := Header{Version: Version, Array: ArrayTH, DType: I64, Count: 512, Seq: 99, CRC: 0xDEADBEEF}

	var b [HeaderSize]byte
	h.Marshal(b[:])
	c.Assert(b[0], qt.Equals, uint8(0xA5))
	c.Assert(string(b[1:5]), qt.Equals, "TPXH")

	var got Header
	c.Assert(got.Unmarshal(b[:]), qt.IsNil)
	c.Assert(got, qt.Equals, h)
}

func TestHeaderErrors(t *testing.T) {
	c := qt.New(t)
	var h Header
	c.Assert(h.Unmarshal(make([]byte, 10)), qt.Equals, error(ErrShortHeader))
	b := make([]byte, HeaderSize)
	c.Assert(h.Unmarshal(b), qt.Equals, error(ErrBadMark))
}

func TestNewFrameChecksum(t *testing.T) {
	c := qt.New(t)
	f := NewFrame(ArrayXH, U32, 7, packU32([]uint32{1, 2, 3}))
	c.Assert(f.Header.Count, qt.Equals, uint32(3))
	c.Assert(f.Header.CRC, qt.Equals, crc32.ChecksumIEEE(f.Payload))

	wire := f.Encode(nil)
	c.Assert(wire, qt.HasLen, HeaderSize+12)
	var h Header
	c.Assert(h.Unmarshal(wire), qt.IsNil)
	c.Assert(h.CRC, qt.Equals, crc32.ChecksumIEEE(wire[HeaderSize:]))
}

func TestPackCSV(t *testing.T) {
	c := qt.New(t)
	got := string(packCSV([]uint64{0, 3, 12}))
	c.Assert(got, qt.Equals, "0.0,3.0,12.0\n")
}

func TestPackLittleEndian(t *testing.T) {
	c := qt.New(t)
	c.Assert(packU16([]uint16{0x1234}), qt.DeepEquals, []byte{0x34, 0x12})
	c.Assert(packI64([]int64{-1}), qt.DeepEquals, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
}

func TestFramesCoverSnapshot(t *testing.T) {
	c := qt.New(t)
	bank := histo.New(histo.Config{SpecPixels: 8, TBins: 4, G2Bins: 4})
	bank.Matched(1, 2, 3, 4, 0)
	snap := bank.Snapshot()

	frames := Frames(snap, false)
	seen := map[ArrayID]bool{}
	for _, f := range frames {
		seen[f.Header.Array] = true
		c.Assert(f.Header.Seq, qt.Equals, snap.Seq)
	}
	for _, id := range []ArrayID{ArraySpec, ArrayCspec, ArrayTH, ArrayG2TH,
		ArrayChannel, ArrayXH, ArrayYH, ArrayTot, ArrayTabs, ArrayDoubleTH} {
		c.Assert(seen[id], qt.IsTrue, qt.Commentf("%s", id))
	}

	// Legacy mode switches only the spectra to CSV.
	for _, f := range Frames(snap, true) {
		switch f.Header.Array {
		case ArraySpec, ArrayCspec:
			c.Assert(f.Header.DType, qt.Equals, CSV)
		default:
			c.Assert(f.Header.DType, qt.Not(qt.Equals), CSV)
		}
	}
}

func TestFileSink(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	sink := &FileSink{Dir: dir}

	bank := histo.New(histo.Config{SpecPixels: 4, TBins: 4, G2Bins: 4})
	bank.Matched(1, 2, 3, 4, 0)
	for _, f := range Frames(bank.Snapshot(), true) {
		c.Assert(sink.Emit(f), qt.IsNil)
	}

	spec, err := os.ReadFile(filepath.Join(dir, "spec.txt"))
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Count(string(spec), ","), qt.Equals, 3)

	// Streams append across cycles.
	bank.Matched(2, 2, 3, 4, 0)
	for _, f := range Frames(bank.Snapshot(), true) {
		c.Assert(sink.Emit(f), qt.IsNil)
	}
	xh, err := os.ReadFile(filepath.Join(dir, "xH.txt"))
	c.Assert(err, qt.IsNil)
	c.Assert(xh, qt.HasLen, 8) // two u32 entries

	// Binned arrays are rewritten, not appended.
	th, err := os.ReadFile(filepath.Join(dir, "tH.txt"))
	c.Assert(err, qt.IsNil)
	c.Assert(th, qt.HasLen, 4*8)
}

type captureSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *captureSink) Emit(f Frame) error {
	payload := append([]byte(nil), f.Payload...)
	s.mu.Lock()
	s.frames = append(s.frames, Frame{Header: f.Header, Payload: payload})
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestSchedulerEmitsOnKick(t *testing.T) {
	c := qt.New(t)
	bank := histo.New(histo.Config{SpecPixels: 4, TBins: 4, G2Bins: 4})
	bank.Unmatched(2)
	sink := &captureSink{}
	s := NewScheduler(SchedulerConfig{Interval: time.Hour}, bank, zap.NewNop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Kick()
	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no frames emitted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	c.Assert(<-done, qt.Equals, context.Canceled)
}
