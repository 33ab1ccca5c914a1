package collector

import (
	"context"
	"time"

	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/ledger"
	"github.com/matthewbaird/recipehub/internal/types"
)

// Publisher sends collected entries to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event)
}

// Recorder stamps forwarded activity with an id and timestamp, writes it
// to the store and, if a Publisher is set, publishes it after the write
// succeeds.
type Recorder struct {
	store Store
	bus   Publisher
	now   func() time.Time
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// SetPublisher attaches an event bus. Entries are published after store writes.
func (r *Recorder) SetPublisher(p Publisher) {
	r.bus = p
}

// Store returns the underlying store.
func (r *Recorder) Store() Store { return r.store }

// Record stores one activity of type typ for ns.
func (r *Recorder) Record(ctx context.Context, ns types.Namespace, typ string, data map[string]any) (types.ActivityEntry, error) {
	if typ == "" {
		typ = "unknown"
	}
	if data == nil {
		data = map[string]any{}
	}
	now := r.now()
	entry := types.ActivityEntry{
		ID:   ledger.NewEntryID(now),
		Type: typ,
		TS:   now.UnixMilli(),
		Data: data,
	}
	if err := r.store.Write(ctx, ns, entry); err != nil {
		return types.ActivityEntry{}, err
	}

	if r.bus != nil {
		r.bus.Publish(ctx, eventbus.Event{
			Kind:      eventbus.KindActivityCollected,
			Namespace: ns.Key(),
			Entry:     &entry,
		})
	}
	return entry, nil
}
