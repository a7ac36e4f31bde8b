package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/crypto"
)

// session is the server-side record of one registered player. Registration
// outlives the network session: a timed-out client keeps its secret and
// re-authenticates with it.
type session struct {
	player uuid.UUID
	secret uuid.UUID
	cipher *crypto.PayloadCipher

	mu   sync.RWMutex
	addr net.Addr

	authenticated atomic.Bool
	connected     atomic.Bool
	lastKeepAlive atomic.Int64 // unix milliseconds, 0 = unset
}

func newSession(player, secret uuid.UUID, suite crypto.Suite) (*session, error) {
	cipher, err := crypto.NewPayloadCipher(suite, secret)
	if err != nil {
		return nil, err
	}
	return &session{player: player, secret: secret, cipher: cipher}, nil
}

// setAddr re-pins the client's network address. Clients behind NAT can
// rebind mid-session; the latest authenticated source wins.
func (s *session) setAddr(addr net.Addr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

func (s *session) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// touch refreshes the keepalive baseline.
func (s *session) touch(t time.Time) {
	s.lastKeepAlive.Store(t.UnixMilli())
}

// expired reports whether the session has been silent past the timeout.
func (s *session) expired(now time.Time, timeout time.Duration) bool {
	last := s.lastKeepAlive.Load()
	if last <= 0 {
		return false
	}
	return now.Sub(time.UnixMilli(last)) > timeout
}

// drop ends the network session but keeps the registration.
func (s *session) drop() {
	s.connected.Store(false)
	s.authenticated.Store(false)
	s.lastKeepAlive.Store(0)
}
