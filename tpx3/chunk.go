package tpx3

/* Chunk header, in transmit order:

	'T' 'P' 'X' '3'  chip  mode  size_lo  size_hi

size counts payload bytes (whole 8-byte packets). Each payload packet is
transmitted byte-reversed relative to the decode layout in packet.go. */

// AppendHeader appends a chunk header for a payload of n packets.
func AppendHeader(dst []byte, chip, mode uint8, npackets int) []byte {
	size := npackets * PacketSize
	return append(dst,
		Magic[0], Magic[1], Magic[2], Magic[3],
		chip, mode, uint8(size), uint8(size>>8))
}

// AppendPacket appends one packet in transmit order (reversed from the
// decode layout).
func AppendPacket(dst []byte, decoded [PacketSize]byte) []byte {
	return append(dst,
		decoded[7], decoded[6], decoded[5], decoded[4],
		decoded[3], decoded[2], decoded[1], decoded[0])
}

// AppendElectronChunk frames a run of hits from one chip into a single
// chunk. All hits must carry the same chip index.
func AppendElectronChunk(dst []byte, chip uint8, hits []Electron) []byte {
	dst = AppendHeader(dst, chip, 0, len(hits))
	for _, e := range hits {
		dst = AppendPacket(dst, e.Encode())
	}
	return dst
}

// AppendTDCChunk frames a single trigger packet. The read-out emits TDC
// packets in their own single-packet chunks.
func AppendTDCChunk(dst []byte, t TDC) []byte {
	dst = AppendHeader(dst, NChips-1, 0, 1)
	return AppendPacket(dst, t.Encode())
}
