package audio

import (
	"math"
	"sync"
)

// VAD gates transmission on RMS energy. Hold frames give the gate
// hysteresis so a talker does not flicker on and off between words, and a
// small pre-buffer preserves the first syllable when the gate opens.
type VAD struct {
	mu        sync.RWMutex
	threshold float64
	holdTime  int
	holdCount int

	preBuffer  [][]int16
	preBufSize int
	preBufIdx  int

	active bool
}

// NewVAD creates a detector.
// threshold is the RMS level opening the gate (int16 PCM, typical 200-1000).
// holdFrames keeps the gate open after the level drops (15 frames = 300ms).
// preBufferFrames is how much leading audio to replay on activation.
func NewVAD(threshold float64, holdFrames, preBufferFrames int) *VAD {
	return &VAD{
		threshold:  threshold,
		holdTime:   holdFrames,
		preBufSize: preBufferFrames,
		preBuffer:  make([][]int16, preBufferFrames),
	}
}

// Process records the frame in the pre-buffer and reports whether the
// gate is open for it.
func (v *VAD) Process(pcm []int16) bool {
	rms := rms(pcm)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.preBufSize > 0 {
		frame := make([]int16, len(pcm))
		copy(frame, pcm)
		v.preBuffer[v.preBufIdx%v.preBufSize] = frame
		v.preBufIdx++
	}

	if rms > v.threshold {
		v.holdCount = v.holdTime
		v.active = true
		return true
	}
	if v.holdCount > 0 {
		v.holdCount--
		return true
	}
	v.active = false
	return false
}

// IsActive reports the gate state without processing a frame.
func (v *VAD) IsActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// Drain returns the pre-buffered frames in chronological order and clears
// the pre-buffer. Called when the gate opens so the start of speech is
// not clipped.
func (v *VAD) Drain() [][]int16 {
	v.mu.Lock()
	defer v.mu.Unlock()

	count := v.preBufSize
	if v.preBufIdx < count {
		count = v.preBufIdx
	}

	var frames [][]int16
	for i := v.preBufIdx - count; i < v.preBufIdx; i++ {
		if f := v.preBuffer[i%v.preBufSize]; f != nil {
			frames = append(frames, f)
		}
	}
	for i := range v.preBuffer {
		v.preBuffer[i] = nil
	}
	v.preBufIdx = 0
	return frames
}

// SetThreshold updates the gate threshold.
func (v *VAD) SetThreshold(threshold float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.threshold = threshold
}

// RMS exposes the loudness metric for VU meters.
func RMS(pcm []int16) float64 {
	return rms(pcm)
}

func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
