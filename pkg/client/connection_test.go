package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/pkg/transport"
)

// testPeer is a scripted server on an integrated hub. handle is invoked
// for every received message; reply sends a message back to the client.
type testPeer struct {
	sock *transport.IntegratedSocket
	id   uuid.UUID
}

func newTestPeer(t *testing.T, hub *transport.Hub) *testPeer {
	t.Helper()
	id := uuid.New()
	sock := hub.Socket(id)
	if err := sock.Open(); err != nil {
		t.Fatalf("open peer socket: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return &testPeer{sock: sock, id: id}
}

func (p *testPeer) serve(handle func(msg protocol.Message, reply func(protocol.Message))) {
	go func() {
		for {
			pkt, err := p.sock.Read()
			if err != nil {
				return
			}
			_, msg, err := protocol.Decode(pkt.Data)
			if err != nil {
				continue
			}
			addr := pkt.Addr
			handle(msg, func(m protocol.Message) {
				data, err := protocol.Encode(p.id, m)
				if err != nil {
					return
				}
				_ = p.sock.Send(data, addr)
			})
		}
	}()
}

// ackingPeer acknowledges the handshake like a healthy server.
func (p *testPeer) ackingPeer() {
	p.serve(func(msg protocol.Message, reply func(protocol.Message)) {
		switch msg.(type) {
		case protocol.Authenticate:
			reply(protocol.AuthenticateAck{})
		case protocol.ConnectionCheck:
			reply(protocol.ConnectionCheckAck{})
		}
	})
}

type connFixture struct {
	conn          *Connection
	peer          *testPeer
	connects      atomic.Int32
	disconnects   atomic.Int32
	lastReason    atomic.Value // string
	sounds        chan protocol.Sound
	clientsideSck *transport.IntegratedSocket
}

func newConnFixture(t *testing.T, keepAlive, retry time.Duration) *connFixture {
	t.Helper()

	hub := transport.NewHub()
	peer := newTestPeer(t, hub)

	clientID := uuid.New()
	sock := hub.Socket(clientID)

	f := &connFixture{peer: peer, sounds: make(chan protocol.Sound, 16), clientsideSck: sock}
	conn, err := NewConnection(ConnectionConfig{
		Socket:            sock,
		ServerAddr:        peer.sock.Addr(),
		Player:            clientID,
		Secret:            uuid.New(),
		KeepAliveInterval: keepAlive,
		RetryInterval:     retry,
		OnConnected:       func(*Connection) { f.connects.Add(1) },
		OnDisconnected: func(reason string) {
			f.lastReason.Store(reason)
			f.disconnects.Add(1)
		},
		OnSound: func(msg protocol.Sound, _ time.Time) { f.sounds <- msg },
	})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	f.conn = conn
	t.Cleanup(func() {
		_ = conn.Close()
		conn.Wait()
	})
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectionHandshakeReachesActive(t *testing.T) {
	f := newConnFixture(t, 50*time.Millisecond, 5*time.Millisecond)
	f.peer.ackingPeer()

	if f.conn.State() != StateConnecting {
		t.Fatalf("initial state: want connecting got %v", f.conn.State())
	}
	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")
	if got := f.connects.Load(); got != 1 {
		t.Fatalf("connected notifications: want 1 got %d", got)
	}
}

// The server acks every retransmission, so duplicate acks arrive. The
// transitions must stay idempotent: exactly one connected notification.
func TestConnectionDuplicateAcksAreIdempotent(t *testing.T) {
	f := newConnFixture(t, 50*time.Millisecond, 5*time.Millisecond)
	f.peer.serve(func(msg protocol.Message, reply func(protocol.Message)) {
		switch msg.(type) {
		case protocol.Authenticate:
			for i := 0; i < 5; i++ {
				reply(protocol.AuthenticateAck{})
			}
		case protocol.ConnectionCheck:
			for i := 0; i < 5; i++ {
				reply(protocol.ConnectionCheckAck{})
			}
		}
	})

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")

	// Allow stray duplicates to drain, then check the count.
	time.Sleep(50 * time.Millisecond)
	if got := f.connects.Load(); got != 1 {
		t.Fatalf("connected notifications: want 1 got %d", got)
	}
}

// A server that never acks: the client keeps retrying indefinitely with
// no state transition. Authentication failure is not terminal.
func TestConnectionRetriesWithoutAck(t *testing.T) {
	f := newConnFixture(t, time.Hour, 2*time.Millisecond)

	var attempts atomic.Int32
	f.peer.serve(func(msg protocol.Message, _ func(protocol.Message)) {
		if _, ok := msg.(protocol.Authenticate); ok {
			attempts.Add(1)
		}
	})

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 12 },
		"client stopped retransmitting Authenticate")
	if f.conn.State() != StateAuthenticating {
		t.Fatalf("state after unacked retries: want authenticating got %v", f.conn.State())
	}
	if f.connects.Load() != 0 {
		t.Fatal("connected notification without an ack")
	}
}

func TestConnectionEchoesKeepAliveAndPing(t *testing.T) {
	f := newConnFixture(t, time.Hour, 5*time.Millisecond)

	echoes := make(chan protocol.Message, 16)
	f.peer.serve(func(msg protocol.Message, reply func(protocol.Message)) {
		switch msg.(type) {
		case protocol.Authenticate:
			reply(protocol.AuthenticateAck{})
		case protocol.ConnectionCheck:
			reply(protocol.ConnectionCheckAck{})
		case protocol.KeepAlive, protocol.Ping:
			echoes <- msg
		}
	})

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")

	// Drain keepalive echoes triggered during the handshake, then probe.
	data, _ := protocol.Encode(f.peer.id, protocol.KeepAlive{})
	_ = f.peer.sock.Send(data, f.clientsideSck.Addr())

	ping := protocol.Ping{ID: uuid.New(), Timestamp: time.Now().UnixMilli()}
	data, _ = protocol.Encode(f.peer.id, ping)
	_ = f.peer.sock.Send(data, f.clientsideSck.Addr())

	var gotKeepAlive, gotPing bool
	deadline := time.After(2 * time.Second)
	for !(gotKeepAlive && gotPing) {
		select {
		case msg := <-echoes:
			switch m := msg.(type) {
			case protocol.KeepAlive:
				gotKeepAlive = true
			case protocol.Ping:
				if m != ping {
					t.Fatalf("ping echo mismatch: want %+v got %+v", ping, m)
				}
				gotPing = true
			}
		case <-deadline:
			t.Fatalf("echoes missing: keepalive=%v ping=%v", gotKeepAlive, gotPing)
		}
	}
}

func TestConnectionDispatchesSoundWhileActive(t *testing.T) {
	f := newConnFixture(t, time.Hour, 5*time.Millisecond)
	f.peer.ackingPeer()

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")

	want := protocol.Sound{Source: uuid.New(), Sequence: 3, Whisper: true, Data: []byte{9, 9}}
	data, _ := protocol.Encode(f.peer.id, want)
	_ = f.peer.sock.Send(data, f.clientsideSck.Addr())

	select {
	case got := <-f.sounds:
		if got.Source != want.Source || got.Sequence != want.Sequence || !got.Whisper {
			t.Fatalf("sound dispatch mismatch: want %+v got %+v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sound was not dispatched")
	}
}

// After interval*10 of silence the connection closes exactly once and
// emits exactly one disconnect notification.
func TestConnectionKeepAliveTimeout(t *testing.T) {
	f := newConnFixture(t, 10*time.Millisecond, 2*time.Millisecond)
	f.peer.ackingPeer() // acks the handshake, then never sends keepalives

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")

	waitFor(t, 2*time.Second, func() bool { return f.conn.State() == StateClosed },
		"connection never timed out")

	// Give any duplicate notification a chance to fire, then count.
	time.Sleep(100 * time.Millisecond)
	if got := f.disconnects.Load(); got != 1 {
		t.Fatalf("disconnect notifications: want 1 got %d", got)
	}
	if reason := f.lastReason.Load(); reason != "keepalive timeout" {
		t.Fatalf("disconnect reason: want keepalive timeout got %v", reason)
	}
}

func TestConnectionSendAfterCloseIsSilent(t *testing.T) {
	f := newConnFixture(t, time.Hour, 5*time.Millisecond)
	f.peer.ackingPeer()

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")

	if err := f.conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.conn.Send(protocol.KeepAlive{}); err != nil {
		t.Fatalf("Send after Close: want silent no-op got %v", err)
	}
	if err := f.conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// Forcibly closing the socket out from under a connected session: the
// receive loop must exit its blocking read and the connection must end
// up Closed without panicking out of the loop.
func TestConnectionSocketClosedUnderneath(t *testing.T) {
	f := newConnFixture(t, time.Hour, 5*time.Millisecond)
	f.peer.ackingPeer()

	if err := f.conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, f.conn.Active, "connection never reached Active")

	_ = f.clientsideSck.Close()

	waitFor(t, 2*time.Second, func() bool { return f.conn.State() == StateClosed },
		"connection did not close after socket closure")
	f.conn.Wait()

	if got := f.disconnects.Load(); got != 1 {
		t.Fatalf("disconnect notifications: want 1 got %d", got)
	}
}

func TestNewConnectionValidation(t *testing.T) {
	if _, err := NewConnection(ConnectionConfig{}); err == nil {
		t.Fatal("NewConnection accepted an empty config")
	}
}
