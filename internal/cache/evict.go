package cache

import (
	"context"
	"sort"

	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
)

// EvictOptions selects what Evict removes.
type EvictOptions struct {
	// ID of the Record; defaults to ROOT_QUERY.
	ID string
	// FieldName limits eviction to one field. Empty removes the whole Record.
	FieldName string
	// Args picks one argument variant of FieldName. Nil removes every
	// variant.
	Args        map[string]any
	NoBroadcast bool
}

// Evict removes a Record or some of its fields and reports whether anything
// was removed. References to an evicted Record are left dangling; GC
// collects what became unreachable.
func (c *Cache) Evict(ctx context.Context, opts EvictOptions) bool {
	id := opts.ID
	if id == "" {
		id = RootQuery
	}

	var (
		removed             bool
		watchers, delivered int
		size                int
	)
	c.locked(func() {
		if opts.FieldName == "" {
			removed = c.store.deleteRecord(id)
		} else if rec, ok := c.store.get(id); ok {
			if opts.Args != nil {
				fp := c.pol.field(rec.Typename(), opts.FieldName)
				if fp == nil {
					fp = c.pol.field(rootTypename(id), opts.FieldName)
				}
				removed = c.store.deleteField(id, storeFieldName(opts.FieldName, opts.Args, fp))
			} else {
				for name := range rec {
					if fieldNameOf(name) == opts.FieldName {
						removed = c.store.deleteField(id, name) || removed
					}
				}
			}
		}
		if removed {
			watchers, delivered = c.watches.broadcast(c.store, c.pol, []string{id}, !opts.NoBroadcast)
		}
		size = c.store.len()
	})

	c.metrics.Evict(removed)
	c.metrics.Size(size)
	eventbus.Publish(ctx, c.bus, events.Evict{ID: id, FieldName: opts.FieldName, Removed: removed, Broadcast: !opts.NoBroadcast})
	c.publishBroadcast(ctx, watchers, delivered)
	return removed
}

// GC removes every Record unreachable from the roots: ROOT_QUERY,
// ROOT_MUTATION, retained IDs and the dependencies of active watches. It
// returns the removed IDs, sorted.
func (c *Cache) GC(ctx context.Context) []string {
	removed, size := c.sweep()
	c.metrics.Collect(len(removed))
	c.metrics.Size(size)
	eventbus.Publish(ctx, c.bus, events.GC{Removed: removed})
	return removed
}

func (c *Cache) sweep() (removed []string, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reachable := make(map[string]struct{}, c.store.len())
	stack := []string{RootQuery, RootMutation}
	for id := range c.retained {
		stack = append(stack, id)
	}
	stack = append(stack, c.watches.roots()...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := reachable[id]; ok {
			continue
		}
		reachable[id] = struct{}{}
		rec, ok := c.store.get(id)
		if !ok {
			continue
		}
		for _, v := range rec {
			stack = collectRefs(v, stack)
		}
	}
	for id := range c.store.records {
		if _, ok := reachable[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		c.store.deleteRecord(id)
	}
	return removed, c.store.len()
}

// Retain protects id and everything reachable from it from GC until a
// matching Release. Calls nest.
func (c *Cache) Retain(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retained[id]++
	return c.retained[id]
}

// Release undoes one Retain and returns the remaining count.
func (c *Cache) Release(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.retained[id]
	if n <= 1 {
		delete(c.retained, id)
		return 0
	}
	c.retained[id] = n - 1
	return n - 1
}
