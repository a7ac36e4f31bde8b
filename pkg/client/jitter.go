package client

import "sync"

// defaultLookAhead is how many sequence numbers Pop scans ahead before
// declaring the next expected frame lost (~200ms at 20ms/frame).
const defaultLookAhead = 10

// JitterBuffer absorbs reordering and delay of inbound audio frames for
// one remote source. Frames are keyed by sequence number; Pop never blocks
// waiting for a missing frame — once a later frame is visible within the
// look-ahead window, the gap is declared lost and handed to concealment.
type JitterBuffer struct {
	mu        sync.Mutex
	frames    map[uint64][]byte
	nextSeq   uint64
	ready     bool
	lookAhead uint64
}

// NewJitterBuffer creates a buffer with the given look-ahead window.
// lookAhead <= 0 selects the default.
func NewJitterBuffer(lookAhead int) *JitterBuffer {
	if lookAhead <= 0 {
		lookAhead = defaultLookAhead
	}
	return &JitterBuffer{
		frames:    make(map[uint64][]byte),
		lookAhead: uint64(lookAhead),
	}
}

// Push stores a frame. The first frame seen anchors the sequence. Frames
// older than the current playout position are dropped; loss is preferred
// over added latency.
func (jb *JitterBuffer) Push(seq uint64, data []byte) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.ready {
		jb.nextSeq = seq
		jb.ready = true
	}
	if seq < jb.nextSeq {
		return // arrived after its playout slot
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	jb.frames[seq] = frame

	if uint64(len(jb.frames)) > jb.lookAhead*3 {
		jb.prune()
	}
}

// Pop returns the next frame in playout order.
// A nil payload with ok=true marks a lost frame: a later sequence exists
// within the look-ahead window, so the gap will never be filled in time.
// ok=false means nothing is due yet.
func (jb *JitterBuffer) Pop() (data []byte, seq uint64, ok bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.ready {
		return nil, 0, false
	}

	if frame, exists := jb.frames[jb.nextSeq]; exists {
		seq = jb.nextSeq
		delete(jb.frames, seq)
		jb.nextSeq++
		return frame, seq, true
	}

	for i := uint64(1); i <= jb.lookAhead; i++ {
		if _, exists := jb.frames[jb.nextSeq+i]; exists {
			seq = jb.nextSeq
			jb.nextSeq++
			return nil, seq, true
		}
	}
	return nil, 0, false
}

// Reset clears the buffer and its sequence anchor.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.frames = make(map[uint64][]byte)
	jb.ready = false
}

// Len returns the number of buffered frames.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.frames)
}

func (jb *JitterBuffer) prune() {
	for seq := range jb.frames {
		if seq > jb.nextSeq+jb.lookAhead*3 {
			delete(jb.frames, seq)
		}
	}
}
