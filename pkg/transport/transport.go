// Package transport provides datagram sockets for the voice plane.
//
// Two implementations share one contract: UDPSocket sends real UDP
// datagrams, and the integrated transport routes datagrams through an
// in-process hub when client and server live in the same process. The
// connection layer is written against the Socket interface and cannot tell
// the two apart.
package transport

import (
	"errors"
	"net"
	"time"
)

// ErrClosed is returned by Read and Send once the socket has been closed.
// Closing the socket is the primary way to cancel a blocked Read.
var ErrClosed = errors.New("transport: socket closed")

// Packet is one received datagram.
type Packet struct {
	Data       []byte
	Addr       net.Addr  // source address
	ReceivedAt time.Time // local receive time
}

// Socket sends and receives opaque byte datagrams.
//
// Implementations must make Close idempotent and must cause any blocked
// Read to return ErrClosed promptly after Close.
type Socket interface {
	// Open prepares the socket for use. Must be called before Send or Read.
	Open() error

	// Send transmits data to the destination address. Datagrams may be
	// lost or reordered; Send only reports local failures.
	Send(data []byte, addr net.Addr) error

	// Read blocks until a datagram arrives or the socket is closed.
	Read() (*Packet, error)

	// Close releases the socket. Safe to call multiple times.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}
