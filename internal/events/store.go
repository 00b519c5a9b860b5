package events

// Write is emitted after a write batch is committed to the store.
type Write struct {
	// Kind is one of "writeQuery", "writeFragment", "writeData", "result", "restore".
	Kind      string
	RootID    string
	ChangedID []string
	Broadcast bool
	Err       error
}

// Evict is emitted after an eviction request.
type Evict struct {
	ID        string
	FieldName string
	Removed   bool
	Broadcast bool
}

// GC is emitted after a garbage-collection sweep.
type GC struct {
	Removed []string
}

// Broadcast is emitted after watchers were re-evaluated.
type Broadcast struct {
	Watchers  int
	Delivered int
}
