// Package server implements the voicewire forwarding server.
//
// The server is an SFU for sealed Opus frames: it authenticates clients
// against their session secrets, keeps sessions alive with a keepalive
// broadcast, and fans every client's audio out to all other connected
// clients. Audio is sealed per hop: a frame arrives under the sender's
// secret and leaves under each recipient's.
package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/crypto"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/pkg/transport"
)

// timeoutFactor scales the keepalive interval into the dead-peer timeout.
const timeoutFactor = 10

// Ledger is the persistent player record the server consults; satisfied
// by *datastore.Store. A nil ledger disables persistence and mutes.
type Ledger interface {
	UpsertSeen(id uuid.UUID, name string, at time.Time) error
	IsMuted(id uuid.UUID) (bool, error)
}

// Options configures a Server.
type Options struct {
	Socket transport.Socket
	Suite  crypto.Suite

	// KeepAliveInterval defaults to one second. Sessions silent for ten
	// intervals are reaped.
	KeepAliveInterval time.Duration

	// OpenRegistration trusts the secret offered by the first
	// Authenticate from an unknown player.
	OpenRegistration bool

	Ledger Ledger
}

// Server owns the socket and the session table.
type Server struct {
	socket   transport.Socket
	identity uuid.UUID // envelope token on server-originated messages
	suite    crypto.Suite

	keepAliveInterval time.Duration
	openRegistration  bool
	ledger            Ledger
	metrics           *Metrics

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a server. Start opens the socket and begins serving.
func New(opts Options) (*Server, error) {
	if opts.Socket == nil {
		return nil, errors.New("server: needs a socket")
	}
	if opts.Suite == "" {
		opts.Suite = crypto.SuiteAESGCM
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = time.Second
	}
	return &Server{
		socket:            opts.Socket,
		identity:          uuid.New(),
		suite:             opts.Suite,
		keepAliveInterval: opts.KeepAliveInterval,
		openRegistration:  opts.OpenRegistration,
		ledger:            opts.Ledger,
		metrics:           NewMetrics(),
		sessions:          make(map[uuid.UUID]*session),
		done:              make(chan struct{}),
	}, nil
}

// Metrics exposes the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// RegisterPlayer issues a session secret for a player. Re-registering
// rotates the secret and drops any live session under the old one.
func (s *Server) RegisterPlayer(player uuid.UUID) (uuid.UUID, error) {
	if player == uuid.Nil {
		return uuid.Nil, errors.New("server: register needs a player id")
	}
	secret, err := crypto.NewSecret()
	if err != nil {
		return uuid.Nil, err
	}
	sess, err := newSession(player, secret, s.suite)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	s.sessions[player] = sess
	s.mu.Unlock()

	slog.Info("registered player", "player", player)
	return secret, nil
}

// UnregisterPlayer revokes a player's secret and ends their session.
func (s *Server) UnregisterPlayer(player uuid.UUID) {
	s.mu.Lock()
	_, existed := s.sessions[player]
	delete(s.sessions, player)
	s.mu.Unlock()
	if existed {
		slog.Info("unregistered player", "player", player)
	}
}

// ConnectedPlayers returns the players with a live session.
func (s *Server) ConnectedPlayers() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var players []uuid.UUID
	for _, sess := range s.sessions {
		if sess.connected.Load() {
			players = append(players, sess.player)
		}
	}
	return players
}

// Start opens the socket and launches the receive and keepalive loops.
func (s *Server) Start() error {
	if err := s.socket.Open(); err != nil {
		return fmt.Errorf("server: open socket: %w", err)
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.keepAliveLoop()
	return nil
}

// Close stops the server and waits for its loops to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.socket.Close()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) lookup(player uuid.UUID) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[player]
}

func (s *Server) send(m protocol.Message, addr net.Addr) {
	data, err := protocol.Encode(s.identity, m)
	if err != nil {
		slog.Debug("encode failed", "tag", m.Tag(), "err", err)
		return
	}
	if err := s.socket.Send(data, addr); err != nil && !errors.Is(err, transport.ErrClosed) {
		slog.Debug("send failed", "addr", addr, "err", err)
	}
}

// receiveLoop blocks on the socket and dispatches datagrams. A malformed
// or unverifiable datagram is counted and dropped; the loop only exits
// when the socket closes.
func (s *Server) receiveLoop() {
	defer s.wg.Done()

	for {
		pkt, err := s.socket.Read()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || s.socket.IsClosed() {
				return
			}
			slog.Debug("read error", "err", err)
			continue
		}
		s.metrics.PacketsIn.Add(1)

		token, msg, err := protocol.Decode(pkt.Data)
		if err != nil {
			s.metrics.PacketsDropped.Add(1)
			slog.Debug("dropping malformed datagram", "err", err, "size", len(pkt.Data))
			continue
		}
		s.handle(token, msg, pkt)
	}
}

func (s *Server) handle(token uuid.UUID, msg protocol.Message, pkt *transport.Packet) {
	switch m := msg.(type) {
	case protocol.Authenticate:
		s.handleAuthenticate(token, m, pkt)

	case protocol.ConnectionCheck:
		sess := s.lookup(token)
		if sess == nil || !sess.authenticated.Load() {
			s.metrics.PacketsDropped.Add(1)
			return
		}
		sess.setAddr(pkt.Addr)
		if sess.connected.CompareAndSwap(false, true) {
			slog.Info("client connected", "player", sess.player, "addr", pkt.Addr)
		}
		sess.touch(pkt.ReceivedAt)
		s.send(protocol.ConnectionCheckAck{}, pkt.Addr)

	case protocol.KeepAlive:
		sess := s.lookup(token)
		if sess == nil || !sess.connected.Load() {
			return
		}
		sess.setAddr(pkt.Addr)
		sess.touch(pkt.ReceivedAt)

	case protocol.Ping:
		sess := s.lookup(token)
		if sess == nil || !sess.authenticated.Load() {
			s.metrics.PacketsDropped.Add(1)
			return
		}
		s.send(m, pkt.Addr)

	case protocol.Sound:
		s.handleSound(token, m, pkt)

	default:
		s.metrics.PacketsDropped.Add(1)
		slog.Debug("ignoring unexpected message", "tag", msg.Tag())
	}
}

// handleAuthenticate validates the handshake. The envelope token must
// match the claimed player, and the secret is compared in constant time.
// Duplicate Authenticates are re-acked: the client retries until our ack
// survives the trip.
func (s *Server) handleAuthenticate(token uuid.UUID, m protocol.Authenticate, pkt *transport.Packet) {
	if token != m.Player || m.Player == uuid.Nil {
		s.metrics.FailedAuths.Add(1)
		s.metrics.PacketsDropped.Add(1)
		return
	}

	sess := s.lookup(m.Player)
	if sess == nil {
		if !s.openRegistration {
			s.metrics.FailedAuths.Add(1)
			slog.Debug("auth from unregistered player", "player", m.Player, "addr", pkt.Addr)
			return
		}
		// Open registration: trust the offered secret on first contact.
		created, err := newSession(m.Player, m.Secret, s.suite)
		if err != nil {
			s.metrics.FailedAuths.Add(1)
			slog.Debug("open registration failed", "player", m.Player, "err", err)
			return
		}
		s.mu.Lock()
		if existing := s.sessions[m.Player]; existing != nil {
			sess = existing // lost the race with a duplicate
		} else {
			s.sessions[m.Player] = created
			sess = created
		}
		s.mu.Unlock()
		slog.Info("registered player on first contact", "player", m.Player)
	}

	if subtle.ConstantTimeCompare(m.Secret[:], sess.secret[:]) != 1 {
		s.metrics.FailedAuths.Add(1)
		slog.Debug("auth with wrong secret", "player", m.Player, "addr", pkt.Addr)
		return
	}

	sess.setAddr(pkt.Addr)
	sess.touch(pkt.ReceivedAt)
	if sess.authenticated.CompareAndSwap(false, true) {
		s.metrics.SuccessfulAuths.Add(1)
		slog.Info("client authenticated", "player", sess.player, "addr", pkt.Addr)
		if s.ledger != nil {
			if err := s.ledger.UpsertSeen(sess.player, "", pkt.ReceivedAt); err != nil {
				slog.Error("ledger update failed", "player", sess.player, "err", err)
			}
		}
	}
	s.send(protocol.AuthenticateAck{}, pkt.Addr)
}

// handleSound forwards one audio frame to every other connected client.
// The frame is opened under the sender's secret; a successful open both
// authenticates the datagram and lets us re-seal per recipient. The
// source on the forwarded frame is always the validated session's player,
// never what the wire claimed.
func (s *Server) handleSound(token uuid.UUID, m protocol.Sound, pkt *transport.Packet) {
	sess := s.lookup(token)
	if sess == nil || !sess.connected.Load() {
		s.metrics.PacketsDropped.Add(1)
		return
	}
	s.metrics.VoicePacketsIn.Add(1)
	s.metrics.VoiceBytesIn.Add(int64(len(m.Data)))

	aad := crypto.AAD(sess.player, m.Sequence)
	plaintext, err := sess.cipher.Open(m.Data, aad)
	if err != nil {
		s.metrics.PacketsDropped.Add(1)
		slog.Debug("dropping unverifiable frame", "player", sess.player, "err", err)
		return
	}

	// The AEAD vouched for the sender; re-pin their address and count the
	// frame as liveness.
	sess.setAddr(pkt.Addr)
	sess.touch(pkt.ReceivedAt)

	if s.ledger != nil {
		muted, err := s.ledger.IsMuted(sess.player)
		if err != nil {
			slog.Error("mute check failed", "player", sess.player, "err", err)
		} else if muted {
			s.metrics.PacketsDropped.Add(1)
			return
		}
	}

	s.mu.RLock()
	recipients := make([]*session, 0, len(s.sessions))
	for _, r := range s.sessions {
		if r.player != sess.player && r.connected.Load() {
			recipients = append(recipients, r)
		}
	}
	s.mu.RUnlock()

	for _, r := range recipients {
		addr := r.Addr()
		if addr == nil {
			continue
		}
		sealed, err := r.cipher.Seal(plaintext, aad)
		if err != nil {
			slog.Debug("reseal failed", "recipient", r.player, "err", err)
			continue
		}
		out := protocol.Sound{
			Source:   sess.player,
			Sequence: m.Sequence,
			Whisper:  m.Whisper,
			Data:     sealed,
		}
		s.send(out, addr)
		s.metrics.VoicePacketsOut.Add(1)
		s.metrics.VoiceBytesOut.Add(int64(len(sealed)))
	}
}

// keepAliveLoop broadcasts KeepAlive to every connected client each
// interval and reaps sessions silent for ten intervals. Timed-out
// players keep their registration and can re-authenticate.
func (s *Server) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	timeout := s.keepAliveInterval * timeoutFactor
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.RLock()
			live := make([]*session, 0, len(s.sessions))
			for _, sess := range s.sessions {
				if sess.connected.Load() {
					live = append(live, sess)
				}
			}
			s.mu.RUnlock()

			for _, sess := range live {
				if sess.expired(now, timeout) {
					sess.drop()
					s.metrics.Timeouts.Add(1)
					slog.Info("client timed out", "player", sess.player)
					continue
				}
				if addr := sess.Addr(); addr != nil {
					s.send(protocol.KeepAlive{}, addr)
				}
			}
		case <-s.done:
			return
		}
	}
}
