package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hanpama/gqlcache/internal/link"
)

var (
	// ErrSubscriptionClosed is returned by Subscription.Next after Unsubscribe.
	ErrSubscriptionClosed = errors.New("gqlcache: subscription closed")
	// ErrNoLink indicates a remote fetch was needed but no link is configured.
	ErrNoLink = errors.New("gqlcache: no link configured")
	// ErrUnknownFetchPolicy indicates an unsupported fetch policy name.
	ErrUnknownFetchPolicy = errors.New("gqlcache: unknown fetch policy")
	// ErrOperationNotFound indicates the document has no matching operation.
	ErrOperationNotFound = errors.New("gqlcache: operation not found")
	// ErrFragmentNotFound indicates the document has no matching fragment.
	ErrFragmentNotFound = errors.New("gqlcache: fragment not found")
	// ErrFragmentWatchNeedsID is returned by Watch for a fragment without an ID.
	ErrFragmentWatchNeedsID = errors.New("gqlcache: fragment watch requires an ID")
)

// Path locates a field in a result tree; elements are response names
// (string) and list indexes (int).
type Path []PathElement

type PathElement any

func (p Path) String() string {
	var sb strings.Builder
	for i, elem := range p {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(v)
		case int:
			fmt.Fprintf(&sb, "[%d]", v)
		}
	}
	return sb.String()
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

// MissingField reports a requested field absent from the store. It is data,
// not a failure: reads return it in Result.Missing.
type MissingField struct {
	Path    Path
	Message string
}

func (m MissingField) Error() string {
	if len(m.Path) == 0 {
		return m.Message
	}
	return m.Path.String() + ": " + m.Message
}

// InvalidWriteError rejects a write payload; nothing from it was merged.
type InvalidWriteError struct {
	Path   Path
	Reason string
}

func (e *InvalidWriteError) Error() string {
	return fmt.Sprintf("invalid write at %s: %s", e.Path, e.Reason)
}

// RemoteFetchError wraps a failed remote execution. The store is left
// unmodified.
type RemoteFetchError struct {
	OperationName string
	Err           error
	Errors        []link.GraphQLError
}

func (e *RemoteFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote fetch %q: %v", e.OperationName, e.Err)
	}
	msgs := make([]string, len(e.Errors))
	for i, ge := range e.Errors {
		msgs[i] = ge.Message
	}
	return fmt.Sprintf("remote fetch %q: %s", e.OperationName, strings.Join(msgs, "; "))
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// FieldPolicyError reports a field policy function that panicked.
type FieldPolicyError struct {
	Typename  string
	FieldName string
	Value     any
}

func (e *FieldPolicyError) Error() string {
	return fmt.Sprintf("field policy %s.%s panicked: %v", e.Typename, e.FieldName, e.Value)
}
