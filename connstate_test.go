package wacore

import (
	"sync"
	"testing"
	"time"

	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/keystore"
)

// TestEndIsIdempotent covers testable property #9: no matter how many
// internal paths race to close the connection (keep-alive loss, stream
// error, explicit Logout, remote disconnect), exactly one
// connection.update{close} event is ever emitted.
func TestEndIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	buf := eventbuffer.New()

	var mu sync.Mutex
	var closeEvents int
	buf.AddHandler(func(name string, payload any) {
		if name != "connection.update" {
			return
		}
		conn, ok := payload.(events.Connection)
		if !ok || conn.Connection != "close" {
			return
		}
		mu.Lock()
		closeEvents++
		mu.Unlock()
	})

	c := NewConn(cfg, nil, &keystore.Creds{}, buf, nil, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.End(nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if closeEvents != 1 {
		t.Fatalf("expected exactly 1 close event from concurrent End() calls, got %d", closeEvents)
	}
}

// TestKeepAliveLossClosesConnection covers scenario S5: a connection whose
// last inbound frame is older than keepAliveInterval+5s is declared lost
// on the next tick, without waiting to attempt a ping first.
func TestKeepAliveLossClosesConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 20 * time.Millisecond
	buf := eventbuffer.New()

	closed := make(chan *events.LastDisconnect, 1)
	buf.AddHandler(func(name string, payload any) {
		if name != "connection.update" {
			return
		}
		conn, ok := payload.(events.Connection)
		if !ok || conn.Connection != "close" {
			return
		}
		select {
		case closed <- conn.LastDisconnect:
		default:
		}
	})

	c := NewConn(cfg, nil, &keystore.Creds{}, buf, nil, nil, nil, nil)
	c.lastRx.Store(time.Now().Add(-time.Hour).UnixNano())

	go c.keepAliveLoop()

	select {
	case lastDisconnect := <-closed:
		if lastDisconnect == nil || lastDisconnect.Error == nil {
			t.Fatalf("expected a non-nil lastDisconnect.Error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive loop never closed the connection")
	}
}
