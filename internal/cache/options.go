package cache

import (
	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/link"
)

// Options configures a Cache. Zero values are safe:
//   - nil TypePolicies => default identity (id, then _id)
//   - nil Link         => remote fetches fail with ErrNoLink
//   - nil Bus          => no events
//   - nil Metrics      => NoopMetrics
//   - 0 PlanCacheSize  => DefaultPlanCacheSize
type Options struct {
	TypePolicies TypePolicies
	// PossibleTypes maps an interface or union to its member types, for
	// matching fragments on abstract types.
	PossibleTypes map[string][]string
	Link          link.Link
	Bus           *eventbus.Bus
	Metrics       Metrics
	// PlanCacheSize bounds the number of compiled plans kept; the least
	// recently used are dropped first.
	PlanCacheSize int
}

// DefaultPlanCacheSize is the plan cache bound used when none is set.
const DefaultPlanCacheSize = 512

type Option func(*Options)

func WithTypePolicies(p TypePolicies) Option {
	return func(o *Options) { o.TypePolicies = p }
}

func WithPossibleTypes(m map[string][]string) Option {
	return func(o *Options) { o.PossibleTypes = m }
}

// WithLink sets the remote executor used on cache misses.
func WithLink(l link.Link) Option {
	return func(o *Options) { o.Link = l }
}

// WithEventBus publishes cache events to b.
func WithEventBus(b *eventbus.Bus) Option {
	return func(o *Options) { o.Bus = b }
}

func WithMetrics(m Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithPlanCacheSize(n int) Option {
	return func(o *Options) { o.PlanCacheSize = n }
}
