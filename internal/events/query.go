package events

import "time"

// QueryStart is emitted before a cache query is served.
type QueryStart struct {
	OperationName string
	FetchPolicy   string
}

// QueryFinish is emitted after a cache query returns.
type QueryFinish struct {
	OperationName string
	FetchPolicy   string
	// FromCache is true when no remote fetch was needed.
	FromCache bool
	Complete  bool
	Err       error
	Duration  time.Duration
}
