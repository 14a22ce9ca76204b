package decode

// bitReader extracts MSB-first fixed-width fields from a packed byte slice.
// The EEG sub-frame packs samples at sub-byte alignment (12-bit by default),
// so fields routinely straddle byte boundaries.
type bitReader struct {
	data []byte
	pos  uint // bit offset from the start of data
}

// remaining reports how many unread bits are left.
func (r *bitReader) remaining() uint {
	return uint(len(r.data))*8 - r.pos
}

// read returns the next n bits as an unsigned value. The caller is
// responsible for checking remaining(); reading past the end is a
// programming error and panics like a slice overrun would.
func (r *bitReader) read(n uint) uint32 {
	var v uint32
	for n > 0 {
		byteIdx := r.pos >> 3
		bitIdx := r.pos & 7
		avail := 8 - bitIdx
		take := n
		if take > avail {
			take = avail
		}
		chunk := uint32(r.data[byteIdx]) >> (avail - take) & (1<<take - 1)
		v = v<<take | chunk
		r.pos += take
		n -= take
	}
	return v
}
