package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPair(t *testing.T) (*IntegratedSocket, *IntegratedSocket) {
	t.Helper()
	hub := NewHub()
	a := hub.Socket(uuid.New())
	b := hub.Socket(uuid.New())
	if err := a.Open(); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := b.Open(); err != nil {
		t.Fatalf("open b: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestIntegratedSendReceive(t *testing.T) {
	a, b := newTestPair(t)

	payload := []byte("hello voice")
	if err := a.Send(payload, b.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	pkt, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(pkt.Data, payload) {
		t.Fatalf("Read: want %q got %q", payload, pkt.Data)
	}
	if pkt.Addr.String() != a.Addr().String() {
		t.Fatalf("Read: source addr want %s got %s", a.Addr(), pkt.Addr)
	}
}

func TestIntegratedSendCopiesData(t *testing.T) {
	a, b := newTestPair(t)

	payload := []byte{1, 2, 3}
	if err := a.Send(payload, b.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	payload[0] = 99

	pkt, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pkt.Data[0] != 1 {
		t.Fatalf("delivered packet aliases the sender's buffer")
	}
}

func TestIntegratedSendToUnknownDrops(t *testing.T) {
	a, _ := newTestPair(t)
	if err := a.Send([]byte("x"), IntegratedAddr{ID: uuid.New()}); err != nil {
		t.Fatalf("Send to unknown endpoint should drop silently, got %v", err)
	}
}

func TestIntegratedCloseUnblocksRead(t *testing.T) {
	_, b := newTestPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read()
		errCh <- err
	}()

	// Let the reader block, then close out from under it.
	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("Read after close: want ErrClosed got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestIntegratedCloseIdempotent(t *testing.T) {
	a, _ := newTestPair(t)

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !a.IsClosed() {
		t.Fatal("IsClosed false after Close")
	}
	if err := a.Send([]byte("x"), a.Addr()); err != ErrClosed {
		t.Fatalf("Send after close: want ErrClosed got %v", err)
	}
}

func TestIntegratedQueueOverflowDrops(t *testing.T) {
	a, b := newTestPair(t)

	// Overfill b's queue; sends must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < integratedQueueSize*2; i++ {
			_ = a.Send([]byte{byte(i)}, b.Addr())
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}
