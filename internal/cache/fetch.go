package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
	language "github.com/hanpama/gqlcache/internal/language"
	"github.com/hanpama/gqlcache/internal/link"
	"github.com/hanpama/gqlcache/internal/opid"
)

// FetchPolicy decides how Query combines the cache and the remote executor.
type FetchPolicy string

const (
	// CacheFirst reads the cache and fetches only when the read is incomplete.
	CacheFirst FetchPolicy = "cache-first"
	// CacheOnly reads the cache and never fetches.
	CacheOnly FetchPolicy = "cache-only"
	// NetworkOnly always fetches, writes the result and reads it back.
	NetworkOnly FetchPolicy = "network-only"
	// NoCache always fetches and returns the remote data without storing it.
	NoCache FetchPolicy = "no-cache"
)

// ParseFetchPolicy parses a policy name; the empty string means CacheFirst.
func ParseFetchPolicy(s string) (FetchPolicy, error) {
	switch p := FetchPolicy(s); p {
	case "":
		return CacheFirst, nil
	case CacheFirst, CacheOnly, NetworkOnly, NoCache:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFetchPolicy, s)
}

// QueryOptions describes one query.
type QueryOptions struct {
	Query         *language.QueryDocument
	OperationName string
	Variables     map[string]any
	FetchPolicy   FetchPolicy
}

// QueryResult is the outcome of Query.
type QueryResult struct {
	Result
	// FromCache is true when the result was served without a remote fetch.
	FromCache bool
}

// Query resolves a query according to its fetch policy. Missing data is
// never an error; remote failures are returned as *RemoteFetchError and
// leave the store untouched.
func (c *Cache) Query(ctx context.Context, opts QueryOptions) (res *QueryResult, err error) {
	policy, err := ParseFetchPolicy(string(opts.FetchPolicy))
	if err != nil {
		return nil, err
	}
	ctx, _ = opid.NewContext(ctx)
	start := time.Now()
	eventbus.Publish(ctx, c.bus, events.QueryStart{OperationName: opts.OperationName, FetchPolicy: string(policy)})
	defer func() {
		finish := events.QueryFinish{
			OperationName: opts.OperationName,
			FetchPolicy:   string(policy),
			Err:           err,
			Duration:      time.Since(start),
		}
		if res != nil {
			finish.FromCache = res.FromCache
			finish.Complete = res.Complete
		}
		eventbus.Publish(ctx, c.bus, finish)
	}()

	plan, err := c.operationPlan(opts.Query, opts.OperationName, opts.Variables)
	if err != nil {
		return nil, err
	}

	switch policy {
	case CacheOnly, CacheFirst:
		cached, err := c.readPlan(plan, RootQuery)
		if err != nil {
			return nil, err
		}
		if cached.Complete {
			c.metrics.Hit()
			return &QueryResult{Result: *cached, FromCache: true}, nil
		}
		c.metrics.Miss()
		if policy == CacheOnly {
			return &QueryResult{Result: *cached, FromCache: true}, nil
		}
	case NoCache:
		data, err := c.fetch(ctx, plan)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Result: Result{Data: data, Complete: true}}, nil
	}

	data, err := c.fetch(ctx, plan)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, "result", RootQuery, "Query", plan.Selections, plan.Variables, data, true); err != nil {
		return nil, err
	}
	// A cache-first query missing only @client fields stays incomplete here;
	// it is not fetched again.
	read, err := c.readPlan(plan, RootQuery)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Result: *read}, nil
}

// MutateOptions describes one mutation.
type MutateOptions struct {
	Mutation      *language.QueryDocument
	OperationName string
	Variables     map[string]any
	NoBroadcast   bool
}

// Mutate executes a mutation remotely and writes its result under
// ROOT_MUTATION, normalizing returned objects into the store.
func (c *Cache) Mutate(ctx context.Context, opts MutateOptions) (*Result, error) {
	plan, err := c.operationPlan(opts.Mutation, opts.OperationName, opts.Variables)
	if err != nil {
		return nil, err
	}
	if plan.Operation != language.Mutation {
		return nil, fmt.Errorf("%w: %q is not a mutation", ErrOperationNotFound, plan.Name)
	}
	ctx, _ = opid.NewContext(ctx)
	data, err := c.fetch(ctx, plan)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, "result", RootMutation, "Mutation", plan.Selections, plan.Variables, data, !opts.NoBroadcast); err != nil {
		return nil, err
	}
	return c.readPlan(plan, RootMutation)
}

// fetch runs plan remotely. Identical concurrent fetches share one call.
func (c *Cache) fetch(ctx context.Context, plan *Plan) (map[string]any, error) {
	if plan.network == nil {
		// Only @client fields were selected.
		return map[string]any{}, nil
	}
	if c.link == nil {
		return nil, &RemoteFetchError{OperationName: plan.Name, Err: ErrNoLink}
	}
	start := time.Now()
	eventbus.Publish(ctx, c.bus, events.RemoteStart{OperationName: plan.Name})
	// The shared call outlives any one caller: it runs detached from the
	// leader's cancellation, and each caller stops waiting on its own.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(plan.key, func() (any, error) {
		resp, err := c.link.Execute(flightCtx, &link.Request{
			Document:      plan.network,
			Query:         plan.networkQuery,
			OperationName: plan.Name,
			Variables:     plan.Variables,
		})
		if err != nil {
			return nil, &RemoteFetchError{OperationName: plan.Name, Err: err}
		}
		if len(resp.Errors) > 0 {
			return nil, &RemoteFetchError{OperationName: plan.Name, Errors: resp.Errors}
		}
		if resp.Data == nil {
			return nil, &RemoteFetchError{OperationName: plan.Name, Err: fmt.Errorf("response has no data")}
		}
		return resp.Data, nil
	})
	var (
		v      any
		err    error
		shared bool
	)
	select {
	case r := <-ch:
		v, err, shared = r.Val, r.Err, r.Shared
	case <-ctx.Done():
		err = &RemoteFetchError{OperationName: plan.Name, Err: ctx.Err()}
	}
	eventbus.Publish(ctx, c.bus, events.RemoteFinish{OperationName: plan.Name, Shared: shared, Err: err, Duration: time.Since(start)})
	if err != nil {
		return nil, err
	}
	return cloneValue(v.(map[string]any)).(map[string]any), nil
}
