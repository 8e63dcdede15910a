package frame

// Reassembler turns an arbitrarily chunked byte stream into complete frames.
//
// buf[start:end] holds unconsumed bytes. Complete frames advance start; the
// bytes left behind are the residue of a partial frame and are compacted to
// the front before the next read lands.
type Reassembler struct {
	layout Layout
	buf    []byte
	start  int
	end    int

	// Dropped counts frames discarded for a bad checksum.
	Dropped uint64
}

// NewReassembler sizes the buffer to hold one maximal frame at zero residue.
func NewReassembler(l Layout) *Reassembler {
	return &Reassembler{
		layout: l,
		buf:    make([]byte, l.MaxFrameSize()),
	}
}

// Layout returns the frame layout in use.
func (r *Reassembler) Layout() Layout { return r.layout }

// Residue returns the number of buffered bytes belonging to a partial frame.
func (r *Reassembler) Residue() int { return r.end - r.start }

// Reset discards any residue.
func (r *Reassembler) Reset() {
	r.start, r.end = 0, 0
}

// Space returns the writable region after the residue, compacting first.
// ReadFrom-style callers read straight into it and then call Commit.
func (r *Reassembler) Space() []byte {
	r.compact()
	if r.end == len(r.buf) {
		r.grow(len(r.buf))
	}
	return r.buf[r.end:]
}

// Commit records n bytes written into the slice returned by Space and emits
// every frame that is now complete.
func (r *Reassembler) Commit(n int, emit func(Frame)) {
	if n <= 0 {
		return
	}
	r.end += n
	r.drain(emit)
}

// Feed appends b and emits every frame that is now complete, in order.
func (r *Reassembler) Feed(b []byte, emit func(Frame)) {
	for len(b) > 0 {
		n := copy(r.Space(), b)
		b = b[n:]
		r.Commit(n, emit)
	}
}

// drain leaves at most one partial frame behind, so the residue always fits
// the initial buffer.
func (r *Reassembler) drain(emit func(Frame)) {
	hdr := r.layout.HeaderSize()
	for {
		avail := r.end - r.start
		if avail < hdr {
			break
		}
		full := hdr + int(r.buf[r.start+r.layout.LengthOffset()]) + r.layout.FooterSize
		if avail < full {
			break
		}
		raw := r.buf[r.start : r.start+full]
		r.start += full
		if err := r.layout.verify(raw); err != nil {
			r.Dropped++
			continue
		}
		emit(r.layout.decode(raw))
	}
	if r.start == r.end {
		r.start, r.end = 0, 0
	}
}

func (r *Reassembler) compact() {
	if r.start == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.start:r.end])
	r.start, r.end = 0, n
}

func (r *Reassembler) grow(by int) {
	nb := make([]byte, len(r.buf)+by)
	copy(nb, r.buf[:r.end])
	r.buf = nb
}
