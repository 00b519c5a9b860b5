// Package link defines the remote executor the cache delegates to on a
// cache miss, plus small in-process implementations.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	language "github.com/hanpama/gqlcache/internal/language"
)

// ErrNoResponse is returned by Static for operations it has no data for.
var ErrNoResponse = errors.New("link: no canned response")

// Request is one operation sent to the remote executor. Document has
// @client selections removed; Query is its printed form.
type Request struct {
	Document      *language.QueryDocument
	Query         string
	OperationName string
	Variables     map[string]any
}

// GraphQLError represents an error reported by the remote executor
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	return e.Message
}

// Response is a GraphQL response as decoded from the wire.
type Response struct {
	Data   map[string]any `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// Link executes operations remotely.
//
// Implementations must be safe for concurrent use and must not retain or
// mutate req after returning. The returned Data is handed to the cache's
// write path, which copies what it stores.
type Link interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Link.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Static serves canned responses keyed by operation name. It records every
// request it receives. An operation may have a queue of responses: each
// request consumes one, and the last is repeated once the queue is drained.
type Static struct {
	mu        sync.Mutex
	responses map[string][]*Response
	requests  []*Request
}

func NewStatic(responses map[string]*Response) *Static {
	s := &Static{responses: make(map[string][]*Response, len(responses))}
	for k, v := range responses {
		s.responses[k] = []*Response{v}
	}
	return s
}

// Set replaces the responses for an operation.
func (s *Static) Set(operationName string, resp ...*Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[operationName] = append([]*Response(nil), resp...)
}

// Append queues further responses for an operation.
func (s *Static) Append(operationName string, resp ...*Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[operationName] = append(s.responses[operationName], resp...)
}

func (s *Static) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	queue := s.responses[req.OperationName]
	if len(queue) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoResponse, req.OperationName)
	}
	resp := queue[0]
	if len(queue) > 1 {
		s.responses[req.OperationName] = queue[1:]
	}
	return resp, nil
}

// Requests returns the requests received so far.
func (s *Static) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}
