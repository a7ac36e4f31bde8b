package client

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/protocol"
)

// fakeCapture feeds scripted frames, then blocks until stopped.
type fakeCapture struct {
	mu      sync.Mutex
	frames  [][]int16
	stopped chan struct{}
	once    sync.Once
}

func newFakeCapture(frames ...[]int16) *fakeCapture {
	return &fakeCapture{frames: frames, stopped: make(chan struct{})}
}

func (c *fakeCapture) Start() error { return nil }

func (c *fakeCapture) ReadFrame() ([]int16, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		frame := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return frame, nil
	}
	c.mu.Unlock()

	// Out of scripted frames: behave like a blocked device read until
	// Stop aborts it.
	<-c.stopped
	return nil, io.EOF
}

func (c *fakeCapture) Stop() error {
	c.once.Do(func() { close(c.stopped) })
	return nil
}

func (c *fakeCapture) Close() error { return c.Stop() }

// passthroughEncoder marks each frame with its first sample.
type passthroughEncoder struct{}

func (passthroughEncoder) Encode(pcm []int16) ([]byte, error) {
	return []byte{byte(pcm[0] & 0xff)}, nil
}

// captureSink collects messages sent by the microphone.
type captureSink struct {
	mu   sync.Mutex
	sent []protocol.Sound
}

func (s *captureSink) Send(m protocol.Message) error {
	if snd, ok := m.(protocol.Sound); ok {
		s.mu.Lock()
		s.sent = append(s.sent, snd)
		s.mu.Unlock()
	}
	return nil
}

func (s *captureSink) sounds() []protocol.Sound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Sound(nil), s.sent...)
}

func waitForSounds(t *testing.T, sink *captureSink, n int) []protocol.Sound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.sounds(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sounds, got %d", n, len(sink.sounds()))
	return nil
}

func TestMicrophoneContinuousMode(t *testing.T) {
	sink := &captureSink{}
	mic, err := NewMicrophone(MicrophoneConfig{
		Capture: newFakeCapture([]int16{1, 0}, []int16{2, 0}, []int16{3, 0}),
		Encoder: passthroughEncoder{},
		Conn:    sink,
		Source:  uuid.New(),
		Mode:    ModeContinuous,
	})
	if err != nil {
		t.Fatalf("NewMicrophone: %v", err)
	}
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mic.Close()

	sent := waitForSounds(t, sink, 3)
	for i, snd := range sent[:3] {
		if snd.Sequence != uint64(i+1) {
			t.Fatalf("sequence %d: want %d got %d", i, i+1, snd.Sequence)
		}
		if snd.Data[0] != byte(i+1) {
			t.Fatalf("frame %d: want marker %d got %d", i, i+1, snd.Data[0])
		}
	}
}

func TestMicrophoneVoiceModeGatesSilence(t *testing.T) {
	loud := loudTestFrame(2000, 8)
	quiet := make([]int16, 8)

	sink := &captureSink{}
	mic, err := NewMicrophone(MicrophoneConfig{
		Capture: newFakeCapture(quiet, quiet, loud, quiet),
		Encoder: passthroughEncoder{},
		VAD:     audio.NewVAD(500, 1, 0),
		Conn:    sink,
		Source:  uuid.New(),
		Mode:    ModeVoice,
	})
	if err != nil {
		t.Fatalf("NewMicrophone: %v", err)
	}
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mic.Close()

	// Only the loud frame and one hold frame pass the gate.
	sent := waitForSounds(t, sink, 2)
	if len(sink.sounds()) > 2 {
		t.Fatalf("gate leaked silence: %d frames sent", len(sink.sounds()))
	}
	if sent[0].Data[0] != byte(loud[0]&0xff) {
		t.Fatalf("first transmitted frame is not the loud frame")
	}
}

func TestMicrophoneDisabledSendsNothing(t *testing.T) {
	sink := &captureSink{}
	mic, err := NewMicrophone(MicrophoneConfig{
		Capture: newFakeCapture([]int16{1, 0}, []int16{2, 0}),
		Encoder: passthroughEncoder{},
		Conn:    sink,
		Source:  uuid.New(),
		Mode:    ModeContinuous,
	})
	if err != nil {
		t.Fatalf("NewMicrophone: %v", err)
	}
	mic.SetEnabled(false)
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(sink.sounds()); got != 0 {
		t.Fatalf("disabled microphone sent %d frames", got)
	}
	_ = mic.Close()
}

func TestMicrophoneWhisperFlag(t *testing.T) {
	sink := &captureSink{}
	mic, err := NewMicrophone(MicrophoneConfig{
		Capture: newFakeCapture([]int16{1, 0}),
		Encoder: passthroughEncoder{},
		Conn:    sink,
		Source:  uuid.New(),
		Mode:    ModeContinuous,
	})
	if err != nil {
		t.Fatalf("NewMicrophone: %v", err)
	}
	mic.SetWhisper(true)
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mic.Close()

	sent := waitForSounds(t, sink, 1)
	if !sent[0].Whisper {
		t.Fatal("whisper flag not carried on the frame")
	}
}

func TestMicrophoneCloseIsIdempotentAndJoins(t *testing.T) {
	sink := &captureSink{}
	capture := newFakeCapture()
	mic, err := NewMicrophone(MicrophoneConfig{
		Capture: capture,
		Encoder: passthroughEncoder{},
		Conn:    sink,
		Source:  uuid.New(),
		Mode:    ModeContinuous,
	})
	if err != nil {
		t.Fatalf("NewMicrophone: %v", err)
	}
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mic.Close()
		_ = mic.Close()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not join the capture loop")
	}
	if err := mic.Start(); err == nil {
		t.Fatal("Start succeeded on a closed microphone")
	}
}

func loudTestFrame(amplitude int16, size int) []int16 {
	frame := make([]int16, size)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = amplitude
		} else {
			frame[i] = -amplitude
		}
	}
	return frame
}
