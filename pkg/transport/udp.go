package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/voicewire/voicewire/pkg/protocol"
)

// udpBufferSize is the kernel send/receive buffer size requested for voice
// sockets. Bursts of frames from many speakers should not overflow the
// default buffers.
const udpBufferSize = 1024 * 1024

// UDPSocket is the real-network Socket implementation.
type UDPSocket struct {
	bindAddr string
	conn     *net.UDPConn
	closed   atomic.Bool
}

// NewUDPSocket creates a UDP socket bound to bindAddr. An empty or
// port-zero address lets the kernel pick an ephemeral port, which is what
// clients want; servers pass their configured listen address.
func NewUDPSocket(bindAddr string) *UDPSocket {
	return &UDPSocket{bindAddr: bindAddr}
}

// Open binds the socket.
func (s *UDPSocket) Open() error {
	addr, err := net.ResolveUDPAddr("udp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", s.bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen udp: %w", err)
	}

	if err := conn.SetReadBuffer(udpBufferSize); err != nil {
		slog.Warn("failed to set udp read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(udpBufferSize); err != nil {
		slog.Warn("failed to set udp write buffer", "err", err)
	}

	s.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Open.
func (s *UDPSocket) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Send transmits one datagram.
func (s *UDPSocket) Send(data []byte, addr net.Addr) error {
	if s.closed.Load() {
		return ErrClosed
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: not a udp address: %v", addr)
	}
	if _, err := s.conn.WriteToUDP(data, udpAddr); err != nil {
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Read blocks until a datagram arrives. Returns ErrClosed after Close.
func (s *UDPSocket) Read() (*Packet, error) {
	buf := make([]byte, protocol.MaxDatagram)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return &Packet{Data: buf[:n], Addr: addr, ReceivedAt: timeNow()}, nil
}

// Close shuts the socket down, unblocking any pending Read.
func (s *UDPSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *UDPSocket) IsClosed() bool {
	return s.closed.Load()
}
