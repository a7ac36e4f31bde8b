package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/pkg/transport"
)

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateVerifying
	StateActive
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateVerifying:
		return "verifying"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultKeepAliveInterval is how often the server pings and the
	// expected cadence of inbound keepalives.
	DefaultKeepAliveInterval = time.Second

	// DefaultRetryInterval is the cadence of Authenticate and
	// ConnectionCheck retransmissions during the handshake.
	DefaultRetryInterval = time.Second

	// timeoutFactor scales the keepalive interval into the dead-peer
	// timeout.
	timeoutFactor = 10

	// retryLogLimit is how many handshake attempts are logged at info
	// before a single warning suppresses further noise.
	retryLogLimit = 10
)

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	Socket     transport.Socket
	ServerAddr net.Addr
	Player     uuid.UUID
	Secret     uuid.UUID

	// KeepAliveInterval defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// RetryInterval defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// OnConnected fires once when the connection becomes Active.
	OnConnected func(*Connection)

	// OnDisconnected fires once when the connection closes, whether by
	// timeout, socket failure or explicit Close.
	OnDisconnected func(reason string)

	// OnSound receives inbound audio while Active.
	OnSound func(msg protocol.Sound, receivedAt time.Time)
}

// Connection is the client side of one voice session. It owns the socket
// and runs two independent loops: a receive loop that blocks on the
// socket, and a retry loop that retransmits handshake messages. A slow
// read never stalls retransmission and vice versa. State fields are
// atomics: they are written by the receive loop and timeout checker and
// observed by the retry loop without locking.
type Connection struct {
	socket     transport.Socket
	serverAddr net.Addr
	player     uuid.UUID
	secret     uuid.UUID

	keepAliveInterval time.Duration
	retryInterval     time.Duration

	state         atomic.Int32
	authenticated atomic.Bool
	connected     atomic.Bool
	lastKeepAlive atomic.Int64 // unix milliseconds, 0 = unset

	done           chan struct{}
	wg             sync.WaitGroup
	closeOnce      sync.Once
	disconnectOnce sync.Once

	onConnected    func(*Connection)
	onDisconnected func(reason string)
	onSound        func(msg protocol.Sound, receivedAt time.Time)
}

// NewConnection creates a connection in the Connecting state. Start opens
// the socket and begins the handshake.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Socket == nil {
		return nil, errors.New("client: connection needs a socket")
	}
	if cfg.ServerAddr == nil {
		return nil, errors.New("client: connection needs a server address")
	}
	if cfg.Player == uuid.Nil {
		return nil, errors.New("client: connection needs a player id")
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	c := &Connection{
		socket:            cfg.Socket,
		serverAddr:        cfg.ServerAddr,
		player:            cfg.Player,
		secret:            cfg.Secret,
		keepAliveInterval: cfg.KeepAliveInterval,
		retryInterval:     cfg.RetryInterval,
		done:              make(chan struct{}),
		onConnected:       cfg.OnConnected,
		onDisconnected:    cfg.OnDisconnected,
		onSound:           cfg.OnSound,
	}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// Start opens the socket and launches the receive, retry and timeout
// loops.
func (c *Connection) Start() error {
	if err := c.socket.Open(); err != nil {
		return fmt.Errorf("client: open socket: %w", err)
	}
	c.state.Store(int32(StateAuthenticating))

	c.wg.Add(3)
	go c.receiveLoop()
	go c.retryLoop()
	go c.timeoutLoop()
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Active reports whether the session is fully established.
func (c *Connection) Active() bool {
	return c.State() == StateActive
}

// Player returns the local player identity.
func (c *Connection) Player() uuid.UUID { return c.player }

// Send transmits a message to the server. Sending on a closed connection
// is a silent no-op: audio loss is acceptable, crashing the pipeline is
// not. Transient failures are returned for the caller to log.
func (c *Connection) Send(m protocol.Message) error {
	if c.State() == StateClosed || c.socket.IsClosed() {
		return nil
	}
	data, err := protocol.Encode(c.player, m)
	if err != nil {
		return err
	}
	if err := c.socket.Send(data, c.serverAddr); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// CheckTimeout closes the connection if no keepalive activity was seen
// for ten keepalive intervals. Driven by the internal ticker; exported so
// a host can also invoke it from its own scheduler.
func (c *Connection) CheckTimeout() {
	last := c.lastKeepAlive.Load()
	if last <= 0 {
		return
	}
	if time.Since(time.UnixMilli(last)) > c.keepAliveInterval*timeoutFactor {
		slog.Info("voice connection timed out", "player", c.player)
		c.close("keepalive timeout")
	}
}

// Close tears the connection down: idempotent, closes the socket, stops
// all loops, and emits the disconnected notification exactly once.
func (c *Connection) Close() error {
	c.close("disconnect")
	return nil
}

// Wait blocks until all connection loops have exited.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.socket.Close()
		slog.Info("voice connection closed", "player", c.player, "reason", reason)
	})
	c.disconnectOnce.Do(func() {
		if c.onDisconnected != nil {
			c.onDisconnected(reason)
		}
	})
}

// receiveLoop blocks on the socket, decodes envelopes and dispatches by
// tag. A malformed datagram is dropped with a log line; it must never
// take the connection down.
func (c *Connection) receiveLoop() {
	defer c.wg.Done()

	for {
		pkt, err := c.socket.Read()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || c.socket.IsClosed() {
				c.close("socket closed")
				return
			}
			slog.Debug("voice read error", "err", err)
			continue
		}

		_, msg, err := protocol.Decode(pkt.Data)
		if err != nil {
			slog.Debug("dropping malformed datagram", "err", err, "size", len(pkt.Data))
			continue
		}
		c.handle(msg, pkt.ReceivedAt)
	}
}

func (c *Connection) handle(msg protocol.Message, receivedAt time.Time) {
	switch m := msg.(type) {
	case protocol.AuthenticateAck:
		// Duplicate acks are expected while our retries cross the wire;
		// only the first one transitions.
		if c.authenticated.CompareAndSwap(false, true) {
			slog.Info("server acknowledged authentication", "player", c.player)
			c.state.Store(int32(StateVerifying))
		}

	case protocol.ConnectionCheckAck:
		if !c.authenticated.Load() {
			return
		}
		if c.connected.CompareAndSwap(false, true) {
			c.lastKeepAlive.Store(time.Now().UnixMilli())
			c.state.Store(int32(StateActive))
			slog.Info("server acknowledged connection check", "player", c.player)
			if c.onConnected != nil {
				c.onConnected(c)
			}
		}

	case protocol.KeepAlive:
		c.lastKeepAlive.Store(receivedAt.UnixMilli())
		if err := c.Send(protocol.KeepAlive{}); err != nil {
			slog.Debug("keepalive echo failed", "err", err)
		}

	case protocol.Ping:
		slog.Debug("received ping, sending pong", "id", m.ID)
		if err := c.Send(m); err != nil {
			slog.Debug("pong failed", "err", err)
		}

	case protocol.Sound:
		if c.Active() && c.onSound != nil {
			c.onSound(m, receivedAt)
		}

	default:
		slog.Debug("ignoring unexpected message", "tag", msg.Tag())
	}
}

// retryLoop retransmits Authenticate until acknowledged, then
// ConnectionCheck until acknowledged, then exits. It runs independently
// of the receive loop so a blocked read never stalls the handshake. The
// server may simply not be ready yet, so there is no retry budget; only
// closing the connection stops it.
func (c *Connection) retryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	var authLogs, verifyLogs int
	for {
		if c.authenticated.Load() && c.connected.Load() {
			return
		}

		if !c.authenticated.Load() {
			verifyLogs = 0
			logRetry(&authLogs, "trying to authenticate voice connection")
			if err := c.Send(protocol.Authenticate{Player: c.player, Secret: c.secret}); err != nil {
				slog.Debug("authenticate send failed", "err", err)
			}
		} else {
			authLogs = 0
			logRetry(&verifyLogs, "trying to verify voice connection")
			if err := c.Send(protocol.ConnectionCheck{}); err != nil {
				slog.Debug("connection check send failed", "err", err)
			}
		}

		select {
		case <-ticker.C:
		case <-c.done:
			return
		}
	}
}

// logRetry logs the first retryLogLimit attempts at info, then one
// warning, then nothing.
func logRetry(count *int, msg string) {
	switch {
	case *count < retryLogLimit:
		slog.Info(msg)
		*count++
	case *count == retryLogLimit:
		slog.Warn(msg + " (this message will not be logged again)")
		*count++
	}
}

// timeoutLoop periodically checks for a dead peer. Timeout is a normal
// disconnect path, not an error.
func (c *Connection) timeoutLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckTimeout()
		case <-c.done:
			return
		}
	}
}
