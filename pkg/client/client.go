// Package client implements the client side of a voicewire session: the
// connection state machine, the capture pipeline, and the playback
// pipeline with its per-source streams.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/crypto"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/pkg/transport"
)

// Client wires the connection, microphone and receiver into one session.
// The host owns its lifecycle: Connect starts the handshake, the audio
// pipelines come up once the connection turns Active, Disconnect tears
// everything down.
type Client struct {
	player   uuid.UUID
	secret   uuid.UUID
	settings *Settings
	format   audio.Format
	suite    crypto.Suite

	mu       sync.Mutex
	conn     *Connection
	mic      *Microphone
	receiver *Receiver

	// OnConnected fires when the session turns Active.
	OnConnected func()

	// OnDisconnected fires once when the session ends, with the reason.
	OnDisconnected func(reason string)

	// OnLevel receives capture RMS for VU display.
	OnLevel func(rms float64)
}

// NewClient validates the settings and prepares a session for the given
// identity and server-issued secret.
func NewClient(player, secret uuid.UUID, settings *Settings) (*Client, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	suite, err := crypto.ParseSuite(settings.CipherSuite)
	if err != nil {
		return nil, err
	}

	format := audio.Format{
		SampleRate:  protocol.SampleRate,
		FrameMillis: protocol.FrameMillis,
		Bitrate:     settings.Bitrate,
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		player:   player,
		secret:   secret,
		settings: settings,
		format:   format,
		suite:    suite,
	}, nil
}

// Connect opens the socket and starts the handshake. The audio pipelines
// start in the background once the server acknowledges the connection;
// portaudio initialization is slow on some hosts and must not delay the
// handshake.
func (c *Client) Connect(socket transport.Socket, serverAddr net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("client: already connected")
	}

	conn, err := NewConnection(ConnectionConfig{
		Socket:            socket,
		ServerAddr:        serverAddr,
		Player:            c.player,
		Secret:            c.secret,
		KeepAliveInterval: time.Duration(c.settings.KeepAlive) * time.Millisecond,
		OnConnected: func(*Connection) {
			go c.startAudio()
			if c.OnConnected != nil {
				c.OnConnected()
			}
		},
		OnDisconnected: func(reason string) {
			go c.stopAudio()
			if c.OnDisconnected != nil {
				c.OnDisconnected(reason)
			}
		},
		OnSound: c.onSound,
	})
	if err != nil {
		return err
	}
	if err := conn.Start(); err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Connection returns the underlying connection, or nil before Connect.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Microphone returns the capture pipeline once audio is up, or nil.
func (c *Client) Microphone() *Microphone {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

// Receiver returns the playback pipeline once audio is up, or nil.
func (c *Client) Receiver() *Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiver
}

// Disconnect closes the session and joins every pipeline.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	conn.Wait()
	c.stopAudio()
}

func (c *Client) onSound(msg protocol.Sound, receivedAt time.Time) {
	c.mu.Lock()
	receiver := c.receiver
	c.mu.Unlock()
	if receiver != nil {
		receiver.OnSound(msg, receivedAt)
	}
}

// startAudio opens the devices and starts both pipelines. Failure leaves
// the session connected but silent; control traffic still flows.
func (c *Client) startAudio() {
	cipher, err := crypto.NewPayloadCipher(c.suite, c.secret)
	if err != nil {
		slog.Error("voice cipher failed", "err", err)
		return
	}

	playbackDev, err := audio.NewPlaybackDevice(float64(c.format.SampleRate), c.format.FrameSize(), c.settings.OutputDevice)
	if err == nil {
		err = playbackDev.Start()
	}
	if err != nil {
		slog.Error("audio playback unavailable", "err", err)
	} else {
		receiver, rerr := NewReceiver(ReceiverConfig{
			Player:         playbackDev,
			Cipher:         cipher,
			DecoderFactory: &audio.OpusDecoderFactory{Format: c.format},
			FrameSize:      c.format.FrameSize(),
			FrameDuration:  time.Duration(c.format.FrameMillis) * time.Millisecond,
			LookAhead:      c.settings.JitterLookAhead,
			SilenceTimeout: time.Duration(c.settings.SilenceTimeout) * time.Millisecond,
			Volume:         c.settings.Volume,
		})
		if rerr != nil {
			slog.Error("receiver init failed", "err", rerr)
		} else {
			receiver.Start()
			c.mu.Lock()
			c.receiver = receiver
			c.mu.Unlock()
		}
	}

	captureDev, err := audio.NewCaptureDevice(float64(c.format.SampleRate), c.format.FrameSize(), c.settings.InputDevice)
	if err != nil {
		slog.Error("audio capture unavailable", "err", err)
		return
	}
	encoder, err := audio.NewEncoder(c.format)
	if err != nil {
		slog.Error("encoder init failed", "err", err)
		return
	}

	mode, _ := ParseActivationMode(c.settings.ActivationMode)
	mic, err := NewMicrophone(MicrophoneConfig{
		Capture: captureDev,
		Encoder: encoder,
		VAD:     audio.NewVAD(c.settings.VADThreshold, c.settings.VADHoldFrames, c.settings.PreBufferFrames),
		Cipher:  cipher,
		Conn:    c.Connection(),
		Source:  c.player,
		Mode:    mode,
		OnLevel: c.OnLevel,
	})
	if err != nil {
		slog.Error("microphone init failed", "err", err)
		return
	}
	if err := mic.Start(); err != nil {
		slog.Error("microphone start failed", "err", err)
		return
	}

	c.mu.Lock()
	c.mic = mic
	c.mu.Unlock()
}

func (c *Client) stopAudio() {
	c.mu.Lock()
	mic, receiver := c.mic, c.receiver
	c.mic, c.receiver = nil, nil
	c.mu.Unlock()

	if mic != nil {
		_ = mic.Close()
	}
	if receiver != nil {
		_ = receiver.Close()
	}
}
