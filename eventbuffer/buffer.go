// Package eventbuffer implements the event bus (C3): a synchronous
// publish/dispatch mechanism with an optional buffering mode that
// coalesces same-channel events before a batch flush. Grounded on the
// publish/subscribe shape of the retrieved pack's internal/events bus.go
// (subscriber list, nil-safe Publish), generalized from a channel-fanout
// bus into an ordered, coalescing, synchronously-flushed one since the
// connection state machine requires flush to be atomic and lossless
// rather than best-effort.
package eventbuffer

import "sync"

// Handler receives one dispatched event. name is the channel key (e.g.
// "messages.upsert"); payload is one of the types in package events.
type Handler func(name string, payload any)

// CoalesceFunc attempts to merge incoming into existing, returning the
// merged payload and true on success, or (nil, false) if the two payloads
// are not coalescable (e.g. different chat ids).
type CoalesceFunc func(existing, incoming any) (merged any, ok bool)

type entry struct {
	name    string
	payload any
}

// Buffer is the event bus. The zero value is not usable; use New.
type Buffer struct {
	mu sync.Mutex

	handlers []Handler
	coalesce map[string]CoalesceFunc

	bufferDepth int
	queue       []entry
}

// New returns a Buffer with no handlers and no buffering rules.
func New() *Buffer {
	return &Buffer{coalesce: make(map[string]CoalesceFunc)}
}

// AddHandler registers fn to receive every dispatched event, in
// registration order.
func (b *Buffer) AddHandler(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// SetCoalesceFunc installs the merge rule for name, per spec §4.3 (e.g.
// "creds.update merges by shallow object merge", "messages.upsert
// concatenates with same type", "contacts.update merges by id").
func (b *Buffer) SetCoalesceFunc(name string, fn CoalesceFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coalesce[name] = fn
}

// Emit publishes one event. While buffering, it is queued (and coalesced
// against the most recent queued event on the same channel, if a
// CoalesceFunc is registered and accepts the merge); otherwise it is
// dispatched to handlers immediately.
func (b *Buffer) Emit(name string, payload any) {
	b.mu.Lock()
	if b.bufferDepth > 0 {
		fn := b.coalesce[name]
		if fn != nil {
			for i := len(b.queue) - 1; i >= 0; i-- {
				if b.queue[i].name != name {
					continue
				}
				if merged, ok := fn(b.queue[i].payload, payload); ok {
					b.queue[i].payload = merged
					b.mu.Unlock()
					return
				}
				break
			}
		}
		b.queue = append(b.queue, entry{name: name, payload: payload})
		b.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()
	dispatch(handlers, name, payload)
}

func dispatch(handlers []Handler, name string, payload any) {
	for _, h := range handlers {
		h(name, payload)
	}
}

// Buffer switches to buffering mode. Nested calls reuse the outermost
// scope: only the call that brings the depth from 0 to 1 actually starts
// queuing; inner calls just increment the depth, matching the
// KeyStore.transaction nesting rule in spec §5.
func (b *Buffer) Buffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufferDepth++
}

// Flush decrements the buffering depth; once it reaches zero, the queue is
// drained in insertion order (after coalescing) and cleared atomically
// with respect to Emit — no event emitted by a handler during Flush can
// observe a partially-drained queue, since the whole batch is copied out
// under the lock before any handler runs.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if b.bufferDepth == 0 {
		b.mu.Unlock()
		return
	}
	b.bufferDepth--
	if b.bufferDepth > 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = nil
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	for _, e := range batch {
		dispatch(handlers, e.name, e.payload)
	}
}

// WithScope wraps fn so that any events it emits (directly, or via
// further nested WithScope calls) are buffered until fn returns, then
// flushed as one atomic batch. This is the createBufferedFunction idiom
// from spec §9, reshaped as a plain higher-order function instead of an
// ambient global wrapper.
func (b *Buffer) WithScope(fn func()) {
	b.Buffer()
	defer b.Flush()
	fn()
}

// IsBuffering reports whether Emit currently queues instead of
// dispatching immediately.
func (b *Buffer) IsBuffering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferDepth > 0
}
