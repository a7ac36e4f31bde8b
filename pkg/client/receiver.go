package client

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/crypto"
	"github.com/voicewire/voicewire/pkg/protocol"
)

// DefaultSilenceTimeout is how long a stream may go without arrivals
// before it is deactivated and its resources released.
const DefaultSilenceTimeout = 500 * time.Millisecond

// ReceiverConfig configures the playback pipeline.
type ReceiverConfig struct {
	Player         audio.Player
	Cipher         *crypto.PayloadCipher
	DecoderFactory audio.DecoderFactory
	FrameSize      int
	FrameDuration  time.Duration
	LookAhead      int           // jitter buffer window, frames
	SilenceTimeout time.Duration // defaults to DefaultSilenceTimeout
	Volume         float64       // defaults to 1.0
}

// Receiver is the playback pipeline. Inbound frames go into per-source
// jitter buffers; a single mixer goroutine runs on the frame cadence,
// pulling one frame per active stream, concealing losses, mixing, and
// writing to the output device. When nothing is due it writes silence —
// the cadence never stalls on a missing frame.
type Receiver struct {
	registry *Registry
	player   audio.Player
	cipher   *crypto.PayloadCipher

	frameSize      int
	frameDuration  time.Duration
	silenceTimeout time.Duration

	volume   atomic.Uint64 // math.Float64bits
	deafened atomic.Bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewReceiver creates the playback pipeline. The output device must
// already be usable; Start launches the mixer.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Player == nil || cfg.DecoderFactory == nil {
		return nil, fmt.Errorf("client: receiver needs a player and decoder factory")
	}
	if cfg.FrameSize <= 0 || cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("client: receiver needs frame geometry")
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Volume == 0 {
		cfg.Volume = 1.0
	}

	r := &Receiver{
		registry:       NewRegistry(cfg.DecoderFactory, cfg.LookAhead),
		player:         cfg.Player,
		cipher:         cfg.Cipher,
		frameSize:      cfg.FrameSize,
		frameDuration:  cfg.FrameDuration,
		silenceTimeout: cfg.SilenceTimeout,
		done:           make(chan struct{}),
	}
	r.volume.Store(math.Float64bits(cfg.Volume))
	return r, nil
}

// Start launches the mixer loop.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.mixLoop()
}

// OnSound accepts one inbound Sound message. Called from the connection's
// receive loop; never blocks.
func (r *Receiver) OnSound(msg protocol.Sound, receivedAt time.Time) {
	if r.deafened.Load() {
		return
	}

	data := msg.Data
	if r.cipher != nil {
		opened, err := r.cipher.Open(data, crypto.AAD(msg.Source, msg.Sequence))
		if err != nil {
			slog.Debug("voice open failed", "source", msg.Source, "err", err)
			return
		}
		data = opened
	}

	stream, err := r.registry.GetOrCreate(msg.Source)
	if err != nil {
		slog.Error("create stream failed", "source", msg.Source, "err", err)
		return
	}
	stream.buffer.Push(msg.Sequence, data)
	stream.touch(receivedAt)
}

// Streams exposes the active remote streams for host display.
func (r *Receiver) Streams() []*Stream {
	return r.registry.Snapshot()
}

// SetVolume updates the playback volume scalar.
func (r *Receiver) SetVolume(volume float64) {
	r.volume.Store(math.Float64bits(volume))
}

// SetDeafened drops all inbound audio while set.
func (r *Receiver) SetDeafened(deafened bool) {
	r.deafened.Store(deafened)
}

// Close stops the mixer and waits for it to exit.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Receiver) mixLoop() {
	defer r.wg.Done()

	// The ticker paces mixing when the device does not; with a real
	// output device the blocking write itself holds the cadence.
	ticker := time.NewTicker(r.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mixOnce(time.Now())
		}
	}
}

// mixOnce assembles and plays one output frame: at most one frame per
// active stream, silence if nothing is due.
func (r *Receiver) mixOnce(now time.Time) {
	var frames [][]int16

	for _, stream := range r.registry.Snapshot() {
		if now.Sub(stream.LastArrival()) > r.silenceTimeout {
			stream.talking.Store(false)
			r.registry.Remove(stream.source)
			slog.Debug("stream expired", "source", stream.source)
			continue
		}

		data, _, ok := stream.buffer.Pop()
		if !ok {
			continue // nothing due from this stream
		}

		var pcm []int16
		var err error
		if data == nil {
			pcm, err = stream.decoder.Conceal()
		} else {
			pcm, err = stream.decoder.Decode(data)
		}
		if err != nil {
			slog.Debug("decode error", "source", stream.source, "err", err)
			continue
		}
		frames = append(frames, pcm)
	}

	mixed := audio.MixFrames(frames, r.frameSize)
	audio.ScaleFrame(mixed, math.Float64frombits(r.volume.Load()))
	if err := r.player.WriteFrame(mixed); err != nil {
		slog.Debug("playback error", "err", err)
	}
}
