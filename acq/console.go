package acq

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/timestem/tp3stream/clock"
)

// consoleLoop serves the line-oriented monitor console: live counters and
// window tuning during a run. One client at a time; commands are
// whitespace-tokenized with shell quoting rules.
func (s *Session) consoleLoop(ctx context.Context, lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acq: console accept: %w", err)
		}
		s.serveConsole(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Session) serveConsole(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		reply, quit := s.execConsole(sc.Text())
		if reply != "" {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			fmt.Fprintln(conn, reply)
		}
		if quit {
			return
		}
	}
}

// execConsole runs one console line and returns the reply.
func (s *Session) execConsole(line string) (reply string, quit bool) {
	args, err := shlex.Split(line)
	if err != nil {
		return "err: " + err.Error(), false
	}
	if len(args) == 0 {
		return "", false
	}
	switch args[0] {
	case "stats":
		return s.statsLine(), false
	case "emit":
		s.sched.Kick()
		return "ok", false
	case "set":
		if len(args) != 3 {
			return "err: usage: set delay|width <ns>", false
		}
		ns, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || ns < 0 {
			return "err: bad nanosecond value", false
		}
		delay, width := s.lastWindow()
		switch args[1] {
		case "delay":
			delay = clock.FromNanos(ns)
		case "width":
			width = clock.FromNanos(ns)
		default:
			return "err: usage: set delay|width <ns>", false
		}
		// Replace any still-pending update.
		select {
		case <-s.winq:
		default:
		}
		select {
		case s.winq <- window{delay, width}:
		default:
			return "err: busy, retry", false
		}
		return "ok", false
	case "quit":
		return "bye", true
	default:
		return "err: unknown command " + args[0], false
	}
}

// lastWindow reads the last requested window: a queued update when one is
// pending, else the hot path's published view.
func (s *Session) lastWindow() (delay, width clock.Time) {
	select {
	case w := <-s.winq:
		select {
		case s.winq <- w:
		default:
		}
		return w.delay, w.width
	default:
	}
	ls, _ := s.live.Load().(liveStats)
	return ls.Delay, ls.Width
}

func (s *Session) statsLine() string {
	ls, _ := s.live.Load().(liveStats)
	var b strings.Builder
	fmt.Fprintf(&b, "chunks=%d packets=%d resyncs=%d electrons=%d matched=%d triggers=%d photons=%d",
		ls.Dec.Chunks, ls.Dec.Packets, ls.Dec.Resyncs, ls.Engine.Electrons, ls.Engine.Matched,
		ls.Engine.Triggers[0]+ls.Engine.Triggers[1]+ls.Engine.Triggers[2]+ls.Engine.Triggers[3],
		ls.Engine.Photons)
	return b.String()
}
