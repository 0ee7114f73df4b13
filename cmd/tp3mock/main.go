// Command tp3mock is a scripted stand-in for the detector read-out: it
// serves a synthetic TPX3 stream of random electron chunks with a periodic
// TDC1 rising edge, timed off the wall clock. Useful for exercising tp3d
// and its consumers without hardware.
package main

import (
	"flag"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/tpx3"
)

func main() {
	var (
		listen   = flag.String("listen", "127.0.0.1:65431", "address to serve the raw stream on")
		tdcEvery = flag.Duration("tdc", 50*time.Millisecond, "TDC1 rising-edge period")
		pause    = flag.Duration("pause", time.Millisecond, "delay between chunks")
		seed     = flag.Int64("seed", 1, "random seed")
	)
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}
	log.Info("mock detector up", zap.String("addr", lis.Addr().String()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			log.Fatal("accept", zap.Error(err))
		}
		log.Info("client connected", zap.String("peer", conn.RemoteAddr().String()))
		serve(conn, rand.New(rand.NewSource(*seed)), *tdcEvery, *pause, log)
	}
}

func serve(conn net.Conn, rng *rand.Rand, tdcEvery, pause time.Duration, log *zap.Logger) {
	defer conn.Close()
	start := time.Now()
	nextTDC := time.Duration(0)
	buf := make([]byte, 0, 4096)

	for {
		elapsed := time.Since(start)
		buf = buf[:0]
		if elapsed >= nextTDC {
			buf = tpx3.AppendTDCChunk(buf, tdcAt(elapsed))
			nextTDC += tdcEvery
		} else {
			chip := uint8(rng.Intn(tpx3.NChips))
			hits := make([]tpx3.Electron, 1+rng.Intn(3))
			for i := range hits {
				hits[i] = electronAt(chip, elapsed, rng)
			}
			buf = tpx3.AppendElectronChunk(buf, chip, hits)
		}
		if _, err := conn.Write(buf); err != nil {
			log.Info("client gone", zap.Error(err))
			return
		}
		time.Sleep(pause)
	}
}

// electronAt builds a random hit whose SPIDR/ToA encode the elapsed wall
// time, wrapped the way the real counter wraps.
func electronAt(chip uint8, elapsed time.Duration, rng *rand.Rand) tpx3.Electron {
	t := clock.FromNanos(elapsed.Nanoseconds()) % clock.SpidrEpoch
	ctoa := uint32(t % clock.SpidrStep / clock.ElectronTick)
	return tpx3.Electron{
		Chip:   chip,
		XLocal: uint8(rng.Intn(tpx3.ChipCols)),
		Y:      uint8(rng.Intn(tpx3.DetRows)),
		ToA:    uint16(ctoa >> 4),
		FToA:   uint8(^ctoa & 0xF),
		ToT:    uint16(10 + rng.Intn(40)),
		SPIDR:  uint16(t / clock.SpidrStep),
	}
}

// tdcAt builds a TDC1 rising edge at the elapsed wall time, wrapped on the
// 35-bit coarse counter.
func tdcAt(elapsed time.Duration) tpx3.TDC {
	t := clock.FromNanos(elapsed.Nanoseconds()) % clock.TdcEpoch
	return tpx3.TDC{
		Kind:   tpx3.T1Rise,
		Coarse: uint64(t / clock.TdcCoarseTick),
		Fine:   uint8(t % clock.TdcCoarseTick / clock.TdcFineTick),
	}
}
