package cache

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
	language "github.com/hanpama/gqlcache/internal/language"
)

// WatchOptions selects what a subscription observes. Set FragmentName (or
// pass a fragment-only document) together with ID to watch a fragment;
// otherwise the query operation named OperationName is watched.
type WatchOptions struct {
	Query         *language.QueryDocument
	OperationName string
	FragmentName  string
	// ID roots the watch; defaults to ROOT_QUERY for operations.
	ID        string
	Variables map[string]any
	// ReturnUnchanged delivers a result after every relevant broadcast even
	// when it equals the previous one.
	ReturnUnchanged bool
	// NoBroadcast excludes the subscription from mutation broadcasts; it is
	// then only re-evaluated by Refresh.
	NoBroadcast bool
}

// WatchResult is one delivery to a subscription. Err is set when the
// re-evaluation failed.
type WatchResult struct {
	Result
	Err error
}

// Subscription is a cancellable sequence of watch results. Results are
// queued, so delivering never blocks the writer that triggered it.
type Subscription struct {
	id    string
	cache *Cache

	mu     sync.Mutex
	queue  []WatchResult
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newSubscription(c *Cache) *Subscription {
	return &Subscription{
		id:     uuid.NewString(),
		cache:  c,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID identifies the subscription.
func (s *Subscription) ID() string { return s.id }

// Next returns the next queued result, waiting until one is available.
func (s *Subscription) Next(ctx context.Context) (WatchResult, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return WatchResult{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			r := s.queue[0]
			s.queue[0] = WatchResult{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return r, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return WatchResult{}, ctx.Err()
		}
	}
}

// Results yields results until the subscription is closed or ctx is done.
// Breaking out of the loop does not unsubscribe.
func (s *Subscription) Results(ctx context.Context) iter.Seq[WatchResult] {
	return func(yield func(WatchResult) bool) {
		for {
			r, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Pending reports how many results are queued.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Refresh re-evaluates the subscription now and delivers the result if it
// changed.
func (s *Subscription) Refresh() {
	s.cache.refresh(s.id)
}

// Unsubscribe removes the subscription. Queued results are dropped and
// nothing is delivered afterwards. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.cache.unwatch(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

func (s *Subscription) deliver(r WatchResult) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, r)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

type watchEntry struct {
	sub    *Subscription
	plan   *Plan
	rootID string
	last   *Result
	deps   map[string]struct{}
	// dirty marks entries touched by a suppressed broadcast; the next
	// broadcast re-evaluates them regardless of what it changed.
	dirty           bool
	returnUnchanged bool
	noBroadcast     bool
}

func (e *watchEntry) touches(changed []string) bool {
	if e.dirty {
		return true
	}
	for _, id := range changed {
		if _, ok := e.deps[id]; ok {
			return true
		}
	}
	return false
}

// evaluate re-reads the entry and delivers the result unless it equals the
// last one. It reports whether something was delivered.
func (e *watchEntry) evaluate(st *store, pol *policies, force bool) bool {
	res, deps, err := readFromStore(st, pol, e.plan, e.rootID)
	e.deps = deps
	e.dirty = false
	if err != nil {
		e.last = nil
		return e.sub.deliver(WatchResult{Err: err})
	}
	if !force && !e.returnUnchanged && e.last != nil && resultsEqual(*e.last, res) {
		return false
	}
	e.last = &res
	delivered := res
	if res.Data != nil {
		delivered.Data = cloneValue(res.Data).(map[string]any)
	}
	return e.sub.deliver(WatchResult{Result: delivered})
}

// watchRegistry tracks active subscriptions. Guarded by Cache.mu.
type watchRegistry struct {
	entries map[string]*watchEntry
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{entries: make(map[string]*watchEntry)}
}

// broadcast re-evaluates entries affected by changed. With broadcast false
// the affected entries are only marked dirty.
func (w *watchRegistry) broadcast(st *store, pol *policies, changed []string, broadcast bool) (watchers, delivered int) {
	for _, e := range w.entries {
		if !e.touches(changed) {
			continue
		}
		if !broadcast || e.noBroadcast {
			e.dirty = true
			continue
		}
		watchers++
		if e.evaluate(st, pol, false) {
			delivered++
		}
	}
	return watchers, delivered
}

// roots returns every data ID an active watch depends on.
func (w *watchRegistry) roots() []string {
	var out []string
	for _, e := range w.entries {
		for id := range e.deps {
			out = append(out, id)
		}
	}
	return out
}
