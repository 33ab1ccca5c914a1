// Package eventbus provides the in-process change notification bus.
// The ledger publishes after every successful local mutation; UI-facing
// subscribers (websocket streams, CLI watchers) re-read state when notified.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/types"
)

// Kind classifies a bus event.
type Kind string

const (
	// KindActivityChanged follows a local append or clear.
	KindActivityChanged Kind = "activity_changed"
	// KindBookmarksChanged follows a local bookmark toggle.
	KindBookmarksChanged Kind = "bookmarks_changed"
	// KindExternalChange relays a storage change made by another process.
	KindExternalChange Kind = "external_change"
	// KindActivityCollected is emitted by the collector service when a
	// forwarded entry is stored.
	KindActivityCollected Kind = "activity_collected"
)

// Event is a change notification.
type Event struct {
	Kind      Kind                 `json:"kind"`
	Namespace string               `json:"namespace,omitempty"` // types.Namespace.Key()
	Key       string               `json:"key,omitempty"`       // storage key, when known
	Entry     *types.ActivityEntry `json:"entry,omitempty"`
	At        time.Time            `json:"at"`
}

// Handler processes an event. Implementations must be safe for
// concurrent calls from different goroutines.
type Handler interface {
	HandleEvent(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Bus is a simple in-process event bus. Events are published to a buffered
// channel and dispatched in a single consumer goroutine, first to named
// handlers and then to channel subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []namedHandler
	channels    map[chan Event]struct{}
	events      chan Event
	done        chan struct{}
	started     bool
	stopped     bool
	log         *zap.Logger
}

type namedHandler struct {
	name    string
	handler Handler
}

// New creates a new Bus with the given channel buffer size.
func New(bufSize int, log *zap.Logger) *Bus {
	if bufSize < 1 {
		bufSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		channels: make(map[chan Event]struct{}),
		events:   make(chan Event, bufSize),
		done:     make(chan struct{}),
		log:      log,
	}
}

// Subscribe registers a named handler.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, namedHandler{name: name, handler: h})
}

// SubscribeChan returns a buffered channel receiving every dispatched event.
// A subscriber that falls behind misses events rather than blocking the bus.
func (b *Bus) SubscribeChan(bufSize int) chan Event {
	if bufSize < 1 {
		bufSize = 64
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.channels[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel subscriber and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[ch]; ok {
		delete(b.channels, ch)
		close(ch)
	}
}

// Publish sends an event to the bus. Non-blocking: if the buffer is full,
// or the bus is stopped, the event is dropped.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	select {
	case b.events <- evt:
	default:
		b.log.Warn("eventbus: buffer full, dropping event",
			zap.String("kind", string(evt.Kind)), zap.String("namespace", evt.Namespace))
	}
}

// Start begins the consumer goroutine. It processes events until the
// context is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for {
			select {
			case evt, ok := <-b.events:
				if !ok {
					return
				}
				b.dispatch(ctx, evt)
			case <-ctx.Done():
				// Drain remaining events before exiting.
				for {
					select {
					case evt, ok := <-b.events:
						if !ok {
							return
						}
						b.dispatch(ctx, evt)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop closes the bus and waits for the consumer goroutine to finish.
// Channel subscribers are closed.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.events)
	started := b.started
	b.mu.Unlock()

	if started {
		<-b.done
	}

	b.mu.Lock()
	for ch := range b.channels {
		delete(b.channels, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler.HandleEvent(ctx, evt); err != nil {
			b.log.Warn("eventbus: handler error",
				zap.String("handler", s.name), zap.String("kind", string(evt.Kind)), zap.Error(err))
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.channels {
		select {
		case ch <- evt:
		default:
			// subscriber is behind; drop to avoid blocking dispatch
		}
	}
}
