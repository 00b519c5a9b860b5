package cache

import (
	"context"
	"sync"

	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
	language "github.com/hanpama/gqlcache/internal/language"
	"github.com/hanpama/gqlcache/internal/link"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cache is a normalized GraphQL object cache. It is an explicit handle: all
// state lives here and every component reaches the store through it.
//
// One mutex guards the store and the watch registry, and it is held across
// each mutation together with its broadcast, so readers never observe a
// partial write. Remote fetches and event publishing happen outside it.
type Cache struct {
	mu       sync.Mutex
	store    *store
	pol      *policies
	watches  *watchRegistry
	retained map[string]int

	plans *lru.Cache[string, *Plan]

	link    link.Link
	bus     *eventbus.Bus
	metrics Metrics
	flight  singleflight.Group
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	var o Options
	for _, f := range opts {
		f(&o)
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.PlanCacheSize <= 0 {
		o.PlanCacheSize = DefaultPlanCacheSize
	}
	plans, err := lru.New[string, *Plan](o.PlanCacheSize)
	if err != nil {
		panic(err)
	}
	return &Cache{
		store:    newStore(),
		pol:      newPolicies(o.TypePolicies, o.PossibleTypes),
		watches:  newWatchRegistry(),
		retained: make(map[string]int),
		plans:    plans,
		link:     o.Link,
		bus:      o.Bus,
		metrics:  o.Metrics,
	}
}

func (c *Cache) memoPlan(doc *language.QueryDocument, kind, name string, vars map[string]any, build func() (*Plan, error)) (*Plan, error) {
	key, err := planKey(doc, kind, name, vars)
	if err != nil {
		return nil, err
	}
	if p, ok := c.plans.Get(key); ok {
		return p, nil
	}
	p, err := build()
	if err != nil {
		return nil, err
	}
	p.key = key
	c.plans.Add(key, p)
	return p, nil
}

func (c *Cache) operationPlan(doc *language.QueryDocument, operationName string, vars map[string]any) (*Plan, error) {
	return c.memoPlan(doc, "op", operationName, vars, func() (*Plan, error) {
		return buildOperationPlan(c.pol, doc, operationName, vars)
	})
}

func (c *Cache) fragmentPlan(doc *language.QueryDocument, fragmentName string, vars map[string]any) (*Plan, error) {
	return c.memoPlan(doc, "fragment", fragmentName, vars, func() (*Plan, error) {
		return buildFragmentPlan(c.pol, doc, fragmentName, vars)
	})
}

// Identify returns the data ID obj would be stored under.
func (c *Cache) Identify(obj map[string]any) (string, bool) {
	id, ok, err := c.pol.identify(obj)
	if err != nil {
		return "", false
	}
	return id, ok
}

// ReadQueryOptions selects a query to read from the cache.
type ReadQueryOptions struct {
	Query         *language.QueryDocument
	OperationName string
	Variables     map[string]any
	// ID roots the read; defaults to ROOT_QUERY.
	ID string
}

// ReadQuery reads a query from the cache only. Absent data is reported in
// the Result; the error covers malformed requests and failing field policies.
func (c *Cache) ReadQuery(opts ReadQueryOptions) (*Result, error) {
	plan, err := c.operationPlan(opts.Query, opts.OperationName, opts.Variables)
	if err != nil {
		return nil, err
	}
	return c.readPlan(plan, rootFor(plan, opts.ID))
}

// ReadFragmentOptions selects a fragment rooted at a data ID.
type ReadFragmentOptions struct {
	Fragment     *language.QueryDocument
	FragmentName string
	ID           string
	Variables    map[string]any
}

// ReadFragment reads a fragment from the Record at opts.ID.
func (c *Cache) ReadFragment(opts ReadFragmentOptions) (*Result, error) {
	plan, err := c.fragmentPlan(opts.Fragment, opts.FragmentName, opts.Variables)
	if err != nil {
		return nil, err
	}
	return c.readPlan(plan, opts.ID)
}

func (c *Cache) readPlan(plan *Plan, rootID string) (*Result, error) {
	var res Result
	var err error
	c.locked(func() { res, _, err = readFromStore(c.store, c.pol, plan, rootID) })
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func rootFor(plan *Plan, id string) string {
	if id != "" {
		return id
	}
	if plan.Operation == language.Mutation {
		return RootMutation
	}
	return RootQuery
}

// WriteQueryOptions describes a manual query write.
type WriteQueryOptions struct {
	Query         *language.QueryDocument
	OperationName string
	Variables     map[string]any
	// ID roots the write; defaults to ROOT_QUERY.
	ID   string
	Data map[string]any
	// NoBroadcast suppresses watch notifications for this write.
	NoBroadcast bool
}

// WriteQuery normalizes data shaped like the query into the store.
func (c *Cache) WriteQuery(ctx context.Context, opts WriteQueryOptions) error {
	plan, err := c.operationPlan(opts.Query, opts.OperationName, opts.Variables)
	if err != nil {
		return err
	}
	rootID := rootFor(plan, opts.ID)
	typename := rootTypename(rootID)
	if typename == "" {
		typename = plan.Typename
	}
	return c.write(ctx, "writeQuery", rootID, typename, plan.Selections, plan.Variables, opts.Data, !opts.NoBroadcast)
}

// WriteFragmentOptions describes a manual fragment write.
type WriteFragmentOptions struct {
	Fragment     *language.QueryDocument
	FragmentName string
	// ID is the target Record; when empty it is derived from Data.
	ID          string
	Variables   map[string]any
	Data        map[string]any
	NoBroadcast bool
}

// WriteFragment merges data shaped like the fragment into one Record.
func (c *Cache) WriteFragment(ctx context.Context, opts WriteFragmentOptions) error {
	plan, err := c.fragmentPlan(opts.Fragment, opts.FragmentName, opts.Variables)
	if err != nil {
		return err
	}
	id := opts.ID
	if id == "" {
		var ok bool
		if id, ok = c.Identify(opts.Data); !ok {
			return &InvalidWriteError{Path: Path{}, Reason: "fragment write without an ID and with unidentifiable data"}
		}
	}
	return c.write(ctx, "writeFragment", id, plan.Typename, plan.Selections, plan.Variables, opts.Data, !opts.NoBroadcast)
}

// WriteDataOptions describes a write without a document: every field of
// Data is stored, nested objects normalized when identifiable.
type WriteDataOptions struct {
	// ID defaults to ROOT_QUERY.
	ID          string
	Data        map[string]any
	NoBroadcast bool
}

// WriteData writes Data as is.
func (c *Cache) WriteData(ctx context.Context, opts WriteDataOptions) error {
	id := opts.ID
	if id == "" {
		id = RootQuery
	}
	return c.write(ctx, "writeData", id, rootTypename(id), selectionsFromData(opts.Data), nil, opts.Data, !opts.NoBroadcast)
}

func (c *Cache) write(ctx context.Context, kind, rootID, typename string, sels []*Selection, vars, data map[string]any, broadcast bool) error {
	var (
		changed             []string
		watchers, delivered int
		size                int
		err                 error
	)
	c.locked(func() {
		b := newWriteBatch(c.store, c.pol, vars)
		if err = b.writeObject(rootID, sels, data, typename, Path{}); err == nil {
			changed = b.commit()
			if len(changed) > 0 {
				watchers, delivered = c.watches.broadcast(c.store, c.pol, changed, broadcast)
			}
		}
		size = c.store.len()
	})

	if err == nil {
		c.metrics.Write(len(changed))
		c.metrics.Size(size)
	}
	eventbus.Publish(ctx, c.bus, events.Write{Kind: kind, RootID: rootID, ChangedID: changed, Broadcast: broadcast, Err: err})
	c.publishBroadcast(ctx, watchers, delivered)
	return err
}

func (c *Cache) publishBroadcast(ctx context.Context, watchers, delivered int) {
	if watchers == 0 {
		return
	}
	c.metrics.Broadcast(watchers, delivered)
	eventbus.Publish(ctx, c.bus, events.Broadcast{Watchers: watchers, Delivered: delivered})
}

// Watch subscribes to a query or fragment. One result is queued
// immediately; later ones follow broadcasts that change the result.
func (c *Cache) Watch(opts WatchOptions) (*Subscription, error) {
	var plan *Plan
	var rootID string
	var err error
	if opts.FragmentName != "" || len(opts.Query.Operations) == 0 {
		plan, err = c.fragmentPlan(opts.Query, opts.FragmentName, opts.Variables)
		if err != nil {
			return nil, err
		}
		if opts.ID == "" {
			return nil, ErrFragmentWatchNeedsID
		}
		rootID = opts.ID
	} else {
		plan, err = c.operationPlan(opts.Query, opts.OperationName, opts.Variables)
		if err != nil {
			return nil, err
		}
		rootID = rootFor(plan, opts.ID)
	}

	sub := newSubscription(c)
	entry := &watchEntry{
		sub:             sub,
		plan:            plan,
		rootID:          rootID,
		returnUnchanged: opts.ReturnUnchanged,
		noBroadcast:     opts.NoBroadcast,
	}
	c.locked(func() {
		c.watches.entries[sub.id] = entry
		entry.evaluate(c.store, c.pol, true)
	})
	return sub, nil
}

func (c *Cache) unwatch(id string) {
	c.locked(func() { delete(c.watches.entries, id) })
}

func (c *Cache) refresh(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.watches.entries[id]; ok {
		e.evaluate(c.store, c.pol, false)
	}
}

// locked runs fn holding c.mu. Field policies and comparisons run inside
// fn, so the lock must be released even when fn panics.
func (c *Cache) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Extract returns a deep copy of the store.
func (c *Cache) Extract() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.snapshot()
}

// Restore replaces the store with snap and broadcasts to every watcher
// whose data may have changed.
func (c *Cache) Restore(ctx context.Context, snap Snapshot) {
	var (
		ids                 []string
		watchers, delivered int
		size                int
	)
	c.locked(func() {
		changed := make(map[string]struct{}, len(snap)+c.store.len())
		for id := range c.store.records {
			changed[id] = struct{}{}
		}
		for id := range snap {
			changed[id] = struct{}{}
		}
		c.store.replace(snap)
		ids = make([]string, 0, len(changed))
		for id := range changed {
			ids = append(ids, id)
		}
		watchers, delivered = c.watches.broadcast(c.store, c.pol, ids, true)
		size = c.store.len()
	})

	c.metrics.Size(size)
	eventbus.Publish(ctx, c.bus, events.Write{Kind: "restore", ChangedID: ids, Broadcast: true})
	c.publishBroadcast(ctx, watchers, delivered)
}

// Reset empties the store.
func (c *Cache) Reset(ctx context.Context) {
	c.Restore(ctx, Snapshot{})
}
