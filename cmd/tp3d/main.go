// Command tp3d runs the Timepix3 acquisition daemon: it consumes the raw
// detector stream, reconstructs and correlates events, and serves histogram
// snapshots to downstream consumers.
//
// Every flag except -dev-log falls back to a TP3_* environment variable;
// flags win.
//
// Exit codes: 0 clean shutdown, 1 stream beyond recovery, 2 consumer
// repeatedly lost, 3 configuration error.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/timestem/tp3stream/acq"
	"github.com/timestem/tp3stream/clock"
)

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		upstream = flag.String("upstream", envStr("TP3_UPSTREAM", ""), "detector address to dial for the raw stream")
		listen   = flag.String("listen", envStr("TP3_LISTEN", ""), "address to accept one detector connection on (instead of -upstream)")
		consumer = flag.String("consumer", envStr("TP3_CONSUMER", "127.0.0.1:65432"), "snapshot consumer listener, empty disables")
		monitor  = flag.String("monitor", envStr("TP3_MONITOR", ""), "monitor console listener, empty disables")
		isibox   = flag.String("isibox", envStr("TP3_ISIBOX", ""), "photon side-channel address, empty disables")
		calib    = flag.String("calib", envStr("TP3_CALIB", ""), "calibration table path")
		delayNs  = flag.Int64("delay-ns", envInt("TP3_DELAY_NS", 625000), "coincidence window delay, ns")
		widthNs  = flag.Int64("width-ns", envInt("TP3_WIDTH_NS", 25000), "coincidence window width, ns")
		g2Ns     = flag.Int64("g2-width-ns", envInt("TP3_G2_WIDTH_NS", 0), "electron-photon window, ns, 0 disables")
		emitDir  = flag.String("emit-dir", envStr("TP3_EMIT_DIR", ""), "write the analysis file set here, empty disables")
		broker   = flag.String("mqtt", envStr("TP3_MQTT_BROKER", ""), "mqtt broker url, empty disables")
		emitMs   = flag.Int64("emit-ms", envInt("TP3_EMIT_MS", 100), "emission interval, ms")
		legacy   = flag.Bool("legacy-text", os.Getenv("TP3_LEGACY_TEXT") != "", "emit spec/cspec as comma-separated text")
		dev      = flag.Bool("dev-log", false, "human-readable logging")
	)
	flag.Parse()

	var log *zap.Logger
	var err error
	if *dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return 3
	}
	defer log.Sync()

	sess, err := acq.NewSession(acq.Config{
		Upstream:     *upstream,
		Listen:       *listen,
		Consumer:     *consumer,
		Monitor:      *monitor,
		IsiBox:       *isibox,
		CalibPath:    *calib,
		Delay:        clock.FromNanos(*delayNs),
		Width:        clock.FromNanos(*widthNs),
		G2Width:      clock.FromNanos(*g2Ns),
		EmitDir:      *emitDir,
		MQTTBroker:   *broker,
		EmitInterval: time.Duration(*emitMs) * time.Millisecond,
		LegacyText:   *legacy,
	}, log)
	if err != nil {
		log.Error("configuration rejected", zap.Error(err))
		return 3
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := sess.Run(ctx)
		switch {
		case err == nil:
			log.Info("shutdown complete")
			return 0
		case errors.Is(err, acq.ErrStreamCorrupt):
			log.Error("raw stream beyond recovery", zap.Error(err))
			return 1
		case errors.Is(err, acq.ErrConsumerLost):
			log.Error("downstream consumer lost", zap.Error(err))
			return 2
		case errors.Is(err, acq.ErrUpstreamDisconnect):
			if ctx.Err() != nil {
				return 0
			}
			log.Info("upstream closed, starting a new session")
			time.Sleep(500 * time.Millisecond)
		default:
			log.Error("session failed", zap.Error(err))
			return 3
		}
	}
}
