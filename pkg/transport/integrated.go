package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeNow is stubbed in tests.
var timeNow = time.Now

// IntegratedAddr addresses an endpoint on an in-process Hub.
type IntegratedAddr struct {
	ID uuid.UUID
}

// Network implements net.Addr.
func (a IntegratedAddr) Network() string { return "integrated" }

// String implements net.Addr.
func (a IntegratedAddr) String() string { return a.ID.String() }

// integratedQueueSize bounds each endpoint's inbound queue. Like UDP, a
// full queue drops the datagram instead of blocking the sender.
const integratedQueueSize = 256

// Hub routes datagrams between integrated sockets in the same process.
// One hub stands in for "the network": the server and every local client
// attach their sockets to it.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]chan *Packet
}

// NewHub creates an empty in-process datagram network.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[uuid.UUID]chan *Packet)}
}

// Socket creates an integrated socket attached to this hub under the given
// endpoint ID. The socket is not usable until Open is called.
func (h *Hub) Socket(id uuid.UUID) *IntegratedSocket {
	return &IntegratedSocket{hub: h, id: id}
}

func (h *Hub) attach(id uuid.UUID, queue chan *Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.endpoints[id]; exists {
		return fmt.Errorf("transport: endpoint %s already attached", id)
	}
	h.endpoints[id] = queue
	return nil
}

func (h *Hub) detach(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, id)
}

// deliver enqueues a datagram for the destination endpoint. Unknown
// destinations and full queues silently drop, matching UDP semantics.
func (h *Hub) deliver(from uuid.UUID, dest uuid.UUID, data []byte) {
	h.mu.RLock()
	queue, ok := h.endpoints[dest]
	h.mu.RUnlock()
	if !ok {
		return
	}

	pkt := &Packet{
		Data:       append([]byte(nil), data...),
		Addr:       IntegratedAddr{ID: from},
		ReceivedAt: timeNow(),
	}
	select {
	case queue <- pkt:
	default:
	}
}

// IntegratedSocket is the in-process Socket implementation.
type IntegratedSocket struct {
	hub   *Hub
	id    uuid.UUID
	queue chan *Packet

	mu     sync.Mutex
	opened bool
	closed bool
	done   chan struct{}
}

// Addr returns the socket's address on its hub.
func (s *IntegratedSocket) Addr() net.Addr { return IntegratedAddr{ID: s.id} }

// Open attaches the socket to its hub.
func (s *IntegratedSocket) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return nil
	}
	s.queue = make(chan *Packet, integratedQueueSize)
	s.done = make(chan struct{})
	if err := s.hub.attach(s.id, s.queue); err != nil {
		return err
	}
	s.opened = true
	return nil
}

// Send routes one datagram through the hub.
func (s *IntegratedSocket) Send(data []byte, addr net.Addr) error {
	s.mu.Lock()
	closed, opened := s.closed, s.opened
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !opened {
		return fmt.Errorf("transport: socket not open")
	}

	dest, ok := addr.(IntegratedAddr)
	if !ok {
		return fmt.Errorf("transport: not an integrated address: %v", addr)
	}
	s.hub.deliver(s.id, dest.ID, data)
	return nil
}

// Read blocks until a datagram arrives or the socket is closed.
func (s *IntegratedSocket) Read() (*Packet, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil, fmt.Errorf("transport: socket not open")
	}
	queue, done := s.queue, s.done
	s.mu.Unlock()

	select {
	case pkt := <-queue:
		return pkt, nil
	case <-done:
		// Drain anything that raced with Close.
		select {
		case pkt := <-queue:
			return pkt, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Close detaches the socket from its hub, unblocking pending reads.
func (s *IntegratedSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.opened {
		s.hub.detach(s.id)
		close(s.done)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *IntegratedSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
