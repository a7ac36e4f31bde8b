package client

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/protocol"
)

// fakePlayer records every frame the mixer writes.
type fakePlayer struct {
	mu     sync.Mutex
	frames [][]int16
}

func (p *fakePlayer) Start() error { return nil }
func (p *fakePlayer) Stop() error  { return nil }

func (p *fakePlayer) WriteFrame(frame []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]int16, len(frame))
	copy(copied, frame)
	p.frames = append(p.frames, copied)
	return nil
}

func (p *fakePlayer) written() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int16(nil), p.frames...)
}

func newTestReceiver(t *testing.T, player *fakePlayer) *Receiver {
	t.Helper()
	r, err := NewReceiver(ReceiverConfig{
		Player:         player,
		DecoderFactory: &fakeDecoderFactory{frameSize: 4},
		FrameSize:      4,
		FrameDuration:  20 * time.Millisecond,
		LookAhead:      10,
		SilenceTimeout: 500 * time.Millisecond,
		Volume:         1.0,
	})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return r
}

func sound(source uuid.UUID, seq uint64, marker byte) protocol.Sound {
	return protocol.Sound{Source: source, Sequence: seq, Data: []byte{marker}}
}

// Frames 1,2,4 arrive; the mixer must play 4 after 2 with a concealment
// frame in between, never stalling for the missing 3.
func TestReceiverPlaysAroundLoss(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)
	source := uuid.New()

	now := time.Now()
	r.OnSound(sound(source, 1, 10), now)
	r.OnSound(sound(source, 2, 20), now)
	r.OnSound(sound(source, 4, 40), now)

	for i := 0; i < 4; i++ {
		r.mixOnce(now)
	}

	frames := player.written()
	if len(frames) != 4 {
		t.Fatalf("written frames: want 4 got %d", len(frames))
	}
	// Frame markers: 10, 20, silence (concealed 3), 40.
	want := []int16{10, 20, 0, 40}
	for i, w := range want {
		if frames[i][0] != w {
			t.Fatalf("frame %d: want marker %d got %d", i, w, frames[i][0])
		}
	}
}

// With no stream data the mixer still writes silence on every cycle,
// preserving the output cadence.
func TestReceiverPlaysSilenceWhenIdle(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)

	r.mixOnce(time.Now())
	frames := player.written()
	if len(frames) != 1 {
		t.Fatalf("written frames: want 1 got %d", len(frames))
	}
	for _, s := range frames[0] {
		if s != 0 {
			t.Fatalf("idle mixer wrote non-silence: %v", frames[0])
		}
	}
}

func TestReceiverCreatesAndReapsStreams(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)
	source := uuid.New()

	arrival := time.Now()
	r.OnSound(sound(source, 1, 1), arrival)

	streams := r.Streams()
	if len(streams) != 1 || streams[0].Source() != source {
		t.Fatalf("streams after first sound: %v", streams)
	}
	if !streams[0].Talking() {
		t.Fatal("stream not marked talking after arrival")
	}

	// Past the silence timeout the stream is deactivated and released.
	r.mixOnce(arrival.Add(600 * time.Millisecond))
	if len(r.Streams()) != 0 {
		t.Fatal("stream survived the silence timeout")
	}
}

func TestReceiverMixesMultipleSources(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)

	now := time.Now()
	r.OnSound(sound(uuid.New(), 1, 10), now)
	r.OnSound(sound(uuid.New(), 1, 20), now)

	r.mixOnce(now)
	frames := player.written()
	if len(frames) != 1 {
		t.Fatalf("written frames: want 1 got %d", len(frames))
	}
	if frames[0][0] != 30 {
		t.Fatalf("mixed sample: want 30 got %d", frames[0][0])
	}
}

func TestReceiverVolumeScalar(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)
	r.SetVolume(0.5)

	now := time.Now()
	r.OnSound(sound(uuid.New(), 1, 100), now)
	r.mixOnce(now)

	frames := player.written()
	if frames[0][0] != 50 {
		t.Fatalf("scaled sample: want 50 got %d", frames[0][0])
	}
}

func TestReceiverDeafenedDropsInbound(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)
	r.SetDeafened(true)

	r.OnSound(sound(uuid.New(), 1, 1), time.Now())
	if len(r.Streams()) != 0 {
		t.Fatal("deafened receiver accepted a stream")
	}
}

func TestReceiverCloseIdempotent(t *testing.T) {
	player := &fakePlayer{}
	r := newTestReceiver(t, player)
	r.Start()

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
