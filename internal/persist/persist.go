// Package persist saves cache snapshots to durable storage and restores
// them on startup.
package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hanpama/gqlcache/internal/cache"
	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
)

// Storage holds one serialized snapshot.
type Storage interface {
	// Load returns the stored bytes; ok is false when nothing was saved.
	Load(ctx context.Context) (data []byte, ok bool, err error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

// Target is the part of a cache a Persistor works with.
type Target interface {
	Extract() cache.Snapshot
	Restore(ctx context.Context, snap cache.Snapshot)
}

// Persistor moves snapshots between a cache and a Storage.
type Persistor struct {
	storage Storage
	target  Target
}

func New(storage Storage, target Target) *Persistor {
	return &Persistor{storage: storage, target: target}
}

// Persist writes the current cache contents.
func (p *Persistor) Persist(ctx context.Context) error {
	b, err := json.Marshal(p.target.Extract())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := p.storage.Save(ctx, b); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Restore loads the stored snapshot into the cache. It reports false when
// the storage was empty, in which case the cache is left alone.
func (p *Persistor) Restore(ctx context.Context) (bool, error) {
	b, ok, err := p.storage.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}
	var snap cache.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	p.target.Restore(ctx, snap)
	return true, nil
}

// Purge clears the storage.
func (p *Persistor) Purge(ctx context.Context) error {
	return p.storage.Clear(ctx)
}

// Attach persists after every committed write, successful eviction and
// collection published on bus. Failures go to onError, which may be nil.
func (p *Persistor) Attach(bus *eventbus.Bus, onError func(error)) func() {
	persist := func(ctx context.Context) {
		if err := p.Persist(ctx); err != nil && onError != nil {
			onError(err)
		}
	}
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.Write) {
			if e.Err != nil || e.Kind == "restore" || len(e.ChangedID) == 0 {
				return
			}
			persist(ctx)
		}),
		eventbus.Subscribe(bus, func(ctx context.Context, e events.Evict) {
			if e.Removed {
				persist(ctx)
			}
		}),
		eventbus.Subscribe(bus, func(ctx context.Context, e events.GC) {
			if len(e.Removed) > 0 {
				persist(ctx)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
