package cache

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Hit and Miss count cache-first and cache-only reads by completeness.
	Hit()
	Miss()
	// Write counts committed write batches and the records they changed.
	Write(changed int)
	Evict(removed bool)
	Collect(removed int)
	Broadcast(watchers, delivered int)
	Size(records int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()               {}
func (NoopMetrics) Miss()              {}
func (NoopMetrics) Write(int)          {}
func (NoopMetrics) Evict(bool)         {}
func (NoopMetrics) Collect(int)        {}
func (NoopMetrics) Broadcast(int, int) {}
func (NoopMetrics) Size(int)           {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
