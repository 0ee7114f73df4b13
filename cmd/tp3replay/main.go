// Command tp3replay streams recorded *.tpx3 files from a folder over TCP in
// filename order, looping, so recorded acquisitions can be replayed against
// tp3d. Optionally appends a synthetic TDC1 rising edge after each file,
// matching what the dummy-server scripts did for trigger-less recordings.
package main

import (
	"flag"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/tpx3"
)

func main() {
	var (
		dir      = flag.String("dir", ".", "folder with *.tpx3 recordings")
		listen   = flag.String("listen", "127.0.0.1:65431", "address to serve the stream on")
		interval = flag.Duration("interval", time.Millisecond, "delay between files")
		addTDC   = flag.Bool("tdc", false, "append a TDC1 rising edge after each file")
		once     = flag.Bool("once", false, "stop after one pass instead of looping")
	)
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	files, err := listRecordings(*dir)
	if err != nil {
		log.Fatal("scan folder", zap.Error(err))
	}
	if len(files) == 0 {
		log.Fatal("no *.tpx3 files", zap.String("dir", *dir))
	}
	log.Info("replaying", zap.Int("files", len(files)), zap.String("dir", *dir))

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}
	for {
		conn, err := lis.Accept()
		if err != nil {
			log.Fatal("accept", zap.Error(err))
		}
		log.Info("client connected", zap.String("peer", conn.RemoteAddr().String()))
		replay(conn, files, *interval, *addTDC, *once, log)
	}
}

func listRecordings(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tpx3") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func replay(conn net.Conn, files []string, interval time.Duration, addTDC, once bool, log *zap.Logger) {
	defer conn.Close()
	start := time.Now()
	for loop := 0; ; loop++ {
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warn("unreadable recording", zap.String("path", path), zap.Error(err))
				continue
			}
			if addTDC {
				t := clock.FromNanos(time.Since(start).Nanoseconds()) % clock.TdcEpoch
				data = tpx3.AppendTDCChunk(data, tpx3.TDC{
					Kind:   tpx3.T1Rise,
					Coarse: uint64(t / clock.TdcCoarseTick),
				})
			}
			if _, err := conn.Write(data); err != nil {
				log.Info("client gone", zap.Error(err))
				return
			}
			time.Sleep(interval)
		}
		if once {
			log.Info("single pass done")
			return
		}
	}
}
