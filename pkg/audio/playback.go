package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PlaybackDevice plays mono PCM through a portaudio output device.
type PlaybackDevice struct {
	sampleRate float64
	frameSize  int
	deviceName string // empty selects the system default

	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	running bool
}

// NewPlaybackDevice creates a playback device; the stream opens on Start.
func NewPlaybackDevice(sampleRate float64, frameSize int, deviceName string) (*PlaybackDevice, error) {
	WaitInit()
	return &PlaybackDevice{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		deviceName: deviceName,
		buffer:     make([]int16, frameSize),
	}, nil
}

// Start opens the output stream.
func (p *PlaybackDevice) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	var dev *portaudio.DeviceInfo
	if p.deviceName != "" {
		dev = FindDevice(p.deviceName)
	}
	if dev == nil {
		var err error
		dev, err = portaudio.DefaultOutputDevice()
		if err != nil {
			return fmt.Errorf("audio: no output device: %w", err)
		}
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.Input.Device = nil
	params.Input.Channels = 0
	params.SampleRate = p.sampleRate
	params.FramesPerBuffer = p.frameSize

	stream, err := portaudio.OpenStream(params, p.buffer)
	if err != nil {
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start playback: %w", err)
	}

	p.stream = stream
	p.running = true
	slog.Debug("audio playback started", "device", dev.Name, "rate", p.sampleRate)
	return nil
}

// WriteFrame plays one frame, blocking until the device accepts it. That
// block is what paces the playback cadence.
func (p *PlaybackDevice) WriteFrame(frame []int16) error {
	p.mu.Lock()
	stream, running := p.stream, p.running
	p.mu.Unlock()
	if !running || stream == nil {
		return fmt.Errorf("audio: playback not started")
	}
	if len(frame) != p.frameSize {
		return fmt.Errorf("audio: frame size mismatch: got %d want %d", len(frame), p.frameSize)
	}

	copy(p.buffer, frame)
	if err := stream.Write(); err != nil {
		return fmt.Errorf("audio: write frame: %w", err)
	}
	return nil
}

// Stop halts playback. Idempotent.
func (p *PlaybackDevice) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	if p.stream != nil {
		_ = p.stream.Abort()
		_ = p.stream.Close()
		p.stream = nil
	}
	return nil
}

// MixFrames sums PCM frames with clamping. An empty input yields silence.
func MixFrames(frames [][]int16, frameSize int) []int16 {
	if len(frames) == 0 {
		return make([]int16, frameSize)
	}
	if len(frames) == 1 && len(frames[0]) == frameSize {
		return frames[0]
	}

	mixed := make([]int16, frameSize)
	for i := 0; i < frameSize; i++ {
		var sum int32
		for _, frame := range frames {
			if i < len(frame) {
				sum += int32(frame[i])
			}
		}
		mixed[i] = clampSample(sum)
	}
	return mixed
}

// ScaleFrame applies a volume scalar in place and returns the frame.
func ScaleFrame(frame []int16, volume float64) []int16 {
	if volume == 1.0 {
		return frame
	}
	for i, s := range frame {
		frame[i] = clampSample(int32(float64(s) * volume))
	}
	return frame
}

func clampSample(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
