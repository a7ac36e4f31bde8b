package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Capturer reads fixed-size PCM frames from an input device.
type Capturer interface {
	Start() error
	ReadFrame() ([]int16, error)
	Stop() error
	Close() error
}

// Player writes fixed-size PCM frames to an output device.
type Player interface {
	Start() error
	WriteFrame(frame []int16) error
	Stop() error
}

// CaptureDevice captures mono PCM from a portaudio input device.
type CaptureDevice struct {
	sampleRate float64
	frameSize  int
	deviceName string // empty selects the system default

	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	running bool
}

// NewCaptureDevice creates a capture device. The device is not opened
// until Start; enumeration happens there so a missing device surfaces as
// a start error, synchronously to the caller.
func NewCaptureDevice(sampleRate float64, frameSize int, deviceName string) (*CaptureDevice, error) {
	WaitInit()
	return &CaptureDevice{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		deviceName: deviceName,
		buffer:     make([]int16, frameSize),
	}, nil
}

// Start opens the input stream. Fails if the requested device does not
// exist and no default is available.
func (c *CaptureDevice) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	var dev *portaudio.DeviceInfo
	if c.deviceName != "" {
		dev = FindDevice(c.deviceName)
	}
	if dev == nil {
		var err error
		dev, err = portaudio.DefaultInputDevice()
		if err != nil {
			return fmt.Errorf("audio: no input device: %w", err)
		}
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = c.sampleRate
	params.FramesPerBuffer = c.frameSize

	stream, err := portaudio.OpenStream(params, c.buffer)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	c.stream = stream
	c.running = true
	slog.Debug("audio capture started", "device", dev.Name, "rate", c.sampleRate)
	return nil
}

// ReadFrame blocks for at most one frame duration and returns a copy of
// the captured frame. Fails once the stream is stopped.
func (c *CaptureDevice) ReadFrame() ([]int16, error) {
	c.mu.Lock()
	stream, running := c.stream, c.running
	c.mu.Unlock()
	if !running || stream == nil {
		return nil, fmt.Errorf("audio: capture not started")
	}

	if err := stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: read frame: %w", err)
	}
	frame := make([]int16, c.frameSize)
	copy(frame, c.buffer)
	return frame, nil
}

// Stop halts capture, aborting any blocked ReadFrame. Idempotent.
func (c *CaptureDevice) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	if c.stream != nil {
		_ = c.stream.Abort()
		_ = c.stream.Close()
		c.stream = nil
	}
	return nil
}

// Close releases the device.
func (c *CaptureDevice) Close() error {
	return c.Stop()
}
