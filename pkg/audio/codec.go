// Package audio provides the audio pipeline primitives: Opus
// encoding/decoding, portaudio capture and playback devices, voice
// activity detection, and frame mixing.
package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// Format fixes the codec geometry shared by capture, playback and the
// wire. Both ends of a session must agree on it; a mismatch is a
// construction-time error, never a per-frame one.
type Format struct {
	SampleRate  int // Hz
	FrameMillis int // frame duration in milliseconds
	Bitrate     int // encoder target, bits per second
}

// DefaultFormat is mono 48kHz with 20ms frames at 64kbps, the usual
// voice configuration.
func DefaultFormat() Format {
	return Format{SampleRate: 48000, FrameMillis: 20, Bitrate: 64000}
}

// FrameSize returns the number of samples per frame.
func (f Format) FrameSize() int {
	return f.SampleRate * f.FrameMillis / 1000
}

// Validate checks the format against what Opus supports.
func (f Format) Validate() error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("audio: unsupported sample rate %d", f.SampleRate)
	}
	switch f.FrameMillis {
	case 10, 20, 40, 60:
	default:
		return fmt.Errorf("audio: unsupported frame duration %dms", f.FrameMillis)
	}
	if f.Bitrate < 6000 || f.Bitrate > 510000 {
		return fmt.Errorf("audio: bitrate %d out of range", f.Bitrate)
	}
	return nil
}

// FrameEncoder compresses fixed-size PCM frames.
type FrameEncoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// FrameDecoder decompresses frames and conceals losses. Implementations
// always return a full frame of samples.
type FrameDecoder interface {
	Decode(data []byte) ([]int16, error)
	Conceal() ([]int16, error)
}

// DecoderFactory creates one decoder per remote audio stream.
type DecoderFactory interface {
	NewDecoder() (FrameDecoder, error)
}

// Encoder wraps an Opus encoder tuned for voice.
type Encoder struct {
	enc       *opus.Encoder
	frameSize int
	buf       []byte
}

// NewEncoder creates an Opus encoder for the given format.
func NewEncoder(f Format) (*Encoder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(f.SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}

	_ = enc.SetBitrate(f.Bitrate)
	_ = enc.SetInBandFEC(true)
	_ = enc.SetPacketLossPerc(10)
	_ = enc.SetDTX(true)

	return &Encoder{
		enc:       enc,
		frameSize: f.FrameSize(),
		buf:       make([]byte, 1275), // largest possible Opus frame
	}, nil
}

// Encode compresses one PCM frame. The input must be exactly one frame.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize {
		return nil, fmt.Errorf("audio: encode frame size: got %d want %d", len(pcm), e.frameSize)
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Decoder wraps an Opus decoder. Decoding is lossy-tolerant: empty input
// triggers packet loss concealment and a corrupt frame degrades to
// silence, so a bad datagram can never take the playback pipeline down.
type Decoder struct {
	dec       *opus.Decoder
	frameSize int
}

// NewDecoder creates an Opus decoder for the given format.
func NewDecoder(f Format) (*Decoder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	dec, err := opus.NewDecoder(f.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: new decoder: %w", err)
	}
	return &Decoder{dec: dec, frameSize: f.FrameSize()}, nil
}

// Decode decompresses one frame. Always returns frameSize samples.
func (d *Decoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return d.Conceal()
	}
	pcm := make([]int16, d.frameSize)
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		// Corrupt frame: degrade to silence rather than failing.
		return make([]int16, d.frameSize), nil
	}
	return padFrame(pcm, n, d.frameSize), nil
}

// Conceal generates a frame covering a lost packet.
func (d *Decoder) Conceal() ([]int16, error) {
	pcm := make([]int16, d.frameSize)
	n, err := d.dec.Decode(nil, pcm)
	if err != nil {
		return make([]int16, d.frameSize), nil
	}
	return padFrame(pcm, n, d.frameSize), nil
}

// padFrame zero-extends a short decode so the fixed frame contract holds.
func padFrame(pcm []int16, n, frameSize int) []int16 {
	if n >= frameSize {
		return pcm[:frameSize]
	}
	for i := n; i < frameSize; i++ {
		pcm[i] = 0
	}
	return pcm[:frameSize]
}

// OpusDecoderFactory creates Opus decoders for a fixed format.
type OpusDecoderFactory struct {
	Format Format
}

// NewDecoder implements DecoderFactory.
func (f *OpusDecoderFactory) NewDecoder() (FrameDecoder, error) {
	return NewDecoder(f.Format)
}
