package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.stud.dev/wacore/binary"
)

func newLoopbackRouter(t *testing.T) *Router {
	t.Helper()
	r := New(nil)
	r.Send = func(node binary.Node) error {
		go r.Route(&binary.Node{Tag: node.Tag, Attrs: binary.Attrs{"id": node.Attrs["id"]}})
		return nil
	}
	return r
}

// TestQueryResolvesOnMatchingID covers testable property #2: every
// successful Query resolves with a frame whose attrs.id == node.attrs.id.
func TestQueryResolvesOnMatchingID(t *testing.T) {
	r := newLoopbackRouter(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := r.Query(ctx, binary.Node{Tag: "iq", Attrs: binary.Attrs{"id": "abc123"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Attrs["id"] != "abc123" {
		t.Fatalf("reply id mismatch: got %q", reply.Attrs["id"])
	}
}

// TestQueryTimeoutNeverResolves covers the second half of property #2:
// timeouts never resolve.
func TestQueryTimeoutNeverResolves(t *testing.T) {
	r := New(nil)
	r.Send = func(node binary.Node) error { return nil } // never replies

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Query(ctx, binary.Node{Attrs: binary.Attrs{"id": "never"}}, nil)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestPatternDispatchOrderAndConsumption(t *testing.T) {
	r := New(nil)

	var calls []string
	r.Handle(Pattern{Tag: "message"}, func(node *binary.Node) bool {
		calls = append(calls, "coarse")
		return false
	})
	r.Handle(Pattern{Tag: "message", AttrKey: "type", AttrValue: "text"}, func(node *binary.Node) bool {
		calls = append(calls, "specific")
		return true
	})
	r.Handle(Pattern{Tag: "message", AttrKey: "type", AttrValue: "text"}, func(node *binary.Node) bool {
		calls = append(calls, "unreachable")
		return true
	})

	r.Route(&binary.Node{Tag: "message", Attrs: binary.Attrs{"type": "text"}})

	if len(calls) != 2 || calls[0] != "coarse" || calls[1] != "specific" {
		t.Fatalf("unexpected dispatch sequence: %v", calls)
	}
}

func TestCancelAllFailsPendingQueries(t *testing.T) {
	r := New(nil)
	r.Send = func(node binary.Node) error { return nil }

	var gotErr atomic.Value
	done := make(chan struct{})
	go func() {
		_, err := r.Query(context.Background(), binary.Node{Attrs: binary.Attrs{"id": "x"}}, nil)
		gotErr.Store(err)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.CancelAll()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("query did not unblock after CancelAll")
	}
	if gotErr.Load() == nil {
		t.Fatal("expected an error after CancelAll")
	}
}
