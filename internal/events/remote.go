package events

import "time"

// RemoteStart is emitted before the remote executor is called.
type RemoteStart struct {
	OperationName string
}

// RemoteFinish is emitted after the remote executor returns.
type RemoteFinish struct {
	OperationName string
	// Shared is true when the call joined an identical in-flight fetch.
	Shared   bool
	Err      error
	Duration time.Duration
}
