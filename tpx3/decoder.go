package tpx3

// Stats are the decoder's observability counters. Read between Next calls;
// the decoder is single-owner.
type Stats struct {
	Chunks          uint64 // chunk headers accepted
	Packets         uint64 // payload packets emitted
	MalformedChunks uint64 // resync episodes: missing magic or bad payload size
	Resyncs         uint64 // scans for the next magic after bad input
	SkippedBytes    uint64 // bytes discarded while resynchronizing
}

// A Decoder frame-synchronizes a growing byte stream on the chunk magic and
// iterates payload packets. Feed appends received bytes; Next yields decoded
// packets until the buffered input is exhausted. Trailing partial input is
// retained across Feed calls, so splitting the stream at arbitrary byte
// boundaries does not change the packet sequence.
type Decoder struct {
	buf []byte
	r   int // consumed prefix of buf

	chip      uint8
	remaining int // payload bytes left in the current chunk

	resyncing bool
	stats     Stats
}

// NewDecoder returns a decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

// Stats returns the current counter values.
func (d *Decoder) Stats() Stats { return d.stats }

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return len(d.buf) - d.r }

// Feed appends raw stream bytes. The decoder copies them; the caller may
// reuse p immediately.
func (d *Decoder) Feed(p []byte) {
	if d.r > 0 {
		n := copy(d.buf, d.buf[d.r:])
		d.buf = d.buf[:n]
		d.r = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next decoded packet, or ok=false when the buffered input
// is exhausted. Malformed chunk headers are counted and skipped by scanning
// to the next magic; mid-chunk bytes are never silently discarded.
func (d *Decoder) Next() (rec PacketRecord, ok bool) {
	for {
		if d.remaining > 0 {
			if d.Buffered() < PacketSize {
				return PacketRecord{}, false
			}
			rec.Chip = d.chip
			reverse8(&rec.Data, d.buf[d.r:])
			d.r += PacketSize
			d.remaining -= PacketSize
			d.stats.Packets++
			return rec, true
		}
		if d.Buffered() < HeaderSize {
			return PacketRecord{}, false
		}
		h := d.buf[d.r:]
		if !isMagic(h) {
			d.skipToMagic(1)
			continue
		}
		payload := int(h[6]) | int(h[7])<<8
		if payload%PacketSize != 0 || payload > MaxPayload {
			d.skipToMagic(len(Magic))
			continue
		}
		d.chip = h[4]
		d.remaining = payload
		d.r += HeaderSize
		d.resyncing = false
		d.stats.Chunks++
	}
}

// skipToMagic discards input up to the next magic, starting the scan from
// (at least) the given offset past the current position. One resync episode
// is counted as one malformed chunk and one resync no matter how many Feed
// calls it spans.
func (d *Decoder) skipToMagic(from int) {
	if !d.resyncing {
		d.resyncing = true
		d.stats.Resyncs++
		d.stats.MalformedChunks++
	}
	idx := indexMagic(d.buf[d.r+from:])
	if idx >= 0 {
		d.stats.SkippedBytes += uint64(from + idx)
		d.r += from + idx
		return
	}
	// No magic in sight: keep only the bytes that could still be a magic
	// prefix.
	keep := len(Magic) - 1
	if n := d.Buffered(); n > keep {
		d.stats.SkippedBytes += uint64(n - keep)
		d.r = len(d.buf) - keep
	}
}
