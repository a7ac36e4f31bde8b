package client

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/crypto"
	"github.com/voicewire/voicewire/pkg/protocol"
)

// ActivationMode selects the transmission gating policy.
type ActivationMode string

const (
	// ModeVoice transmits only while the voice activity gate is open.
	ModeVoice ActivationMode = "voice"

	// ModeContinuous transmits every frame while the microphone is
	// enabled; the host decides when that is (push-to-talk, always-on).
	ModeContinuous ActivationMode = "continuous"
)

// Sender transmits outbound messages; satisfied by *Connection.
type Sender interface {
	Send(m protocol.Message) error
}

// ParseActivationMode validates a mode name from configuration.
func ParseActivationMode(name string) (ActivationMode, error) {
	switch ActivationMode(name) {
	case ModeVoice, "":
		return ModeVoice, nil
	case ModeContinuous:
		return ModeContinuous, nil
	default:
		return "", fmt.Errorf("client: unknown activation mode %q (valid: %s, %s)", name, ModeVoice, ModeContinuous)
	}
}

// MicrophoneConfig configures the capture pipeline.
type MicrophoneConfig struct {
	Capture audio.Capturer
	Encoder audio.FrameEncoder
	VAD     *audio.VAD
	Cipher  *crypto.PayloadCipher
	Conn    Sender
	Source  uuid.UUID
	Mode    ActivationMode

	// OnLevel, if set, receives the RMS of every captured frame for VU
	// display.
	OnLevel func(rms float64)
}

// Microphone is the capture pipeline: it reads frames from the input
// device on its own goroutine, gates them, encodes, seals and hands them
// to the connection with a monotonically increasing sequence number.
type Microphone struct {
	capture audio.Capturer
	encoder audio.FrameEncoder
	vad     *audio.VAD
	cipher  *crypto.PayloadCipher
	conn    Sender
	source  uuid.UUID
	onLevel func(rms float64)

	mode    atomic.Value // ActivationMode
	enabled atomic.Bool
	whisper atomic.Bool
	seq     atomic.Uint64

	started   bool
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMicrophone creates the capture pipeline. The device is not touched
// until Start.
func NewMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	if cfg.Capture == nil || cfg.Encoder == nil || cfg.Conn == nil {
		return nil, fmt.Errorf("client: microphone needs capture, encoder and connection")
	}
	if cfg.Mode == ModeVoice && cfg.VAD == nil {
		return nil, fmt.Errorf("client: voice activation needs a VAD")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeVoice
	}

	m := &Microphone{
		capture: cfg.Capture,
		encoder: cfg.Encoder,
		vad:     cfg.VAD,
		cipher:  cfg.Cipher,
		conn:    cfg.Conn,
		source:  cfg.Source,
		onLevel: cfg.OnLevel,
	}
	m.mode.Store(cfg.Mode)
	m.enabled.Store(true)
	return m, nil
}

// Start opens the capture device and launches the capture loop. A device
// failure is reported synchronously: the user visibly asked to transmit,
// so it must not be swallowed.
func (m *Microphone) Start() error {
	if m.closed.Load() {
		return fmt.Errorf("client: microphone closed")
	}
	if m.started {
		return nil
	}
	if err := m.capture.Start(); err != nil {
		return fmt.Errorf("client: start capture: %w", err)
	}
	m.started = true
	m.wg.Add(1)
	go m.captureLoop()
	return nil
}

// SetEnabled toggles transmission. In continuous mode this is the
// push-to-talk/mute switch.
func (m *Microphone) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

// SetWhisper toggles the whisper flag on outgoing frames.
func (m *Microphone) SetWhisper(whisper bool) { m.whisper.Store(whisper) }

// SetMode switches the gating policy at runtime.
func (m *Microphone) SetMode(mode ActivationMode) { m.mode.Store(mode) }

// Mode returns the current gating policy.
func (m *Microphone) Mode() ActivationMode { return m.mode.Load().(ActivationMode) }

// Close stops the capture loop and releases the device. Safe to call
// multiple times; it joins the loop's full shutdown before returning so
// device handles are never leaked.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		// Stopping the device aborts a blocked ReadFrame; that is the
		// cancellation mechanism, not an interrupt.
		_ = m.capture.Stop()
		m.wg.Wait()
		_ = m.capture.Close()
	})
	return nil
}

func (m *Microphone) captureLoop() {
	defer m.wg.Done()

	wasSending := false
	for {
		pcm, err := m.capture.ReadFrame()
		if err != nil {
			if m.closed.Load() {
				return
			}
			slog.Debug("capture read error", "err", err)
			return
		}
		if len(pcm) == 0 {
			continue // no frame yet, not an error
		}

		if m.onLevel != nil {
			m.onLevel(audio.RMS(pcm))
		}

		send := m.enabled.Load()
		if send && m.Mode() == ModeVoice {
			send = m.vad.Process(pcm)
			if send && !wasSending {
				// The gate just opened: replay the pre-buffer so the
				// first syllable is not clipped. The newest entry is the
				// current frame itself, sent below.
				buffered := m.vad.Drain()
				if len(buffered) > 0 {
					buffered = buffered[:len(buffered)-1]
				}
				for _, frame := range buffered {
					m.sendFrame(frame)
				}
			}
		}

		if send {
			m.sendFrame(pcm)
		}
		wasSending = send
	}
}

func (m *Microphone) sendFrame(pcm []int16) {
	data, err := m.encoder.Encode(pcm)
	if err != nil {
		slog.Debug("encode error", "err", err)
		return
	}

	seq := m.seq.Add(1)
	if m.cipher != nil {
		data, err = m.cipher.Seal(data, crypto.AAD(m.source, seq))
		if err != nil {
			slog.Debug("seal error", "err", err)
			return
		}
	}

	msg := protocol.Sound{
		Source:   m.source,
		Sequence: seq,
		Whisper:  m.whisper.Load(),
		Data:     data,
	}
	if err := m.conn.Send(msg); err != nil {
		slog.Debug("voice send failed", "err", err)
	}
}
