package emit

import (
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// A Sink receives serialized frames. Sinks may drop frames; they must not
// block beyond their own I/O deadline and must never mutate payloads.
type Sink interface {
	Emit(Frame) error
	Close() error
}

// TCPSink writes binary frames to a connected consumer with a short write
// deadline. The legacy processed-stream consumer reads these.
type TCPSink struct {
	Conn    net.Conn
	Timeout time.Duration // per-frame write deadline

	fails uint64 // atomic
	buf   []byte
}

// Fails reports consecutive failed emissions; a successful one resets it.
// The session tears the consumer down past its failure budget.
func (s *TCPSink) Fails() int { return int(atomic.LoadUint64(&s.fails)) }

func (s *TCPSink) Emit(f Frame) error {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 50 * time.Millisecond
	}
	s.buf = f.Encode(s.buf[:0])
	s.Conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := s.Conn.Write(s.buf); err != nil {
		atomic.AddUint64(&s.fails, 1)
		return err
	}
	atomic.StoreUint64(&s.fails, 0)
	return nil
}

func (s *TCPSink) Close() error { return s.Conn.Close() }

// MQTTSink publishes each frame to <prefix>/<array-name>. Publishing is
// fire-and-forget at QoS 0: a slow broker drops data, never delays the
// scheduler.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	buf    []byte
}

// NewMQTTSink connects to the broker, e.g. "tcp://localhost:1883".
func NewMQTTSink(broker, clientID, prefix string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, tok.Error()
	}
	if prefix == "" {
		prefix = "tp3"
	}
	return &MQTTSink{client: client, prefix: prefix}, nil
}

func (s *MQTTSink) Emit(f Frame) error {
	s.buf = f.Encode(s.buf[:0])
	payload := append([]byte(nil), s.buf...) // paho keeps a reference
	s.client.Publish(s.prefix+"/"+f.Header.Array.String(), 0, false, payload)
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// FileSink writes the file set the offline analysis scripts load: binned
// arrays are rewritten each cycle and per-event streams are appended. Each
// file holds the frame payload as-is, so the two spectra are comma-separated
// text only when the frames were built in legacy text mode.
type FileSink struct {
	Dir string
}

func (s *FileSink) Emit(f Frame) error {
	name := f.Header.Array.String()
	switch f.Header.Array {
	case ArraySpec, ArrayCspec, ArrayTH, ArrayG2TH:
		return os.WriteFile(filepath.Join(s.Dir, name+".txt"), f.Payload, 0o644)
	default:
		fh, err := os.OpenFile(filepath.Join(s.Dir, name+".txt"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if _, err := fh.Write(f.Payload); err != nil {
			fh.Close()
			return err
		}
		return fh.Close()
	}
}

func (s *FileSink) Close() error { return nil }
