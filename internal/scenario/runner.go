package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hanpama/gqlcache/internal/cache"
	language "github.com/hanpama/gqlcache/internal/language"
	"github.com/hanpama/gqlcache/internal/link"
	"github.com/hanpama/gqlcache/internal/snapshotlog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runner replays a scenario against a fresh cache.
type Runner struct {
	sc      *Scenario
	cache   *cache.Cache
	link    *link.Static
	docs    map[string]*language.QueryDocument
	watches map[string]*cache.Subscription
	log     *snapshotlog.Log
	logger  *zap.Logger
}

type Option func(*runnerConfig)

type runnerConfig struct {
	cacheOpts []cache.Option
	log       *snapshotlog.Log
	logger    *zap.Logger
}

// WithCacheOptions adds options (event bus, metrics) to the replay cache.
// Type policies and the link always come from the scenario.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(c *runnerConfig) { c.cacheOpts = append(c.cacheOpts, opts...) }
}

// WithSnapshotLog records a snapshot after every step into l.
func WithSnapshotLog(l *snapshotlog.Log) Option {
	return func(c *runnerConfig) { c.log = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *runnerConfig) { c.logger = l }
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index     int
	Action    string
	Message   string
	Result    *cache.Result
	FromCache bool
	Removed   bool
	Collected []string
	// Deliveries counts results each watch received during the step.
	Deliveries map[string]int
	Err        error
}

func NewRunner(sc *Scenario, opts ...Option) (*Runner, error) {
	cfg := runnerConfig{logger: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}
	docs, err := sc.parseDocuments()
	if err != nil {
		return nil, err
	}
	cacheOpts, err := sc.CacheOptions()
	if err != nil {
		return nil, err
	}
	l := sc.Link()
	cacheOpts = append(cacheOpts, cfg.cacheOpts...)
	cacheOpts = append(cacheOpts, cache.WithLink(l))
	return &Runner{
		sc:      sc,
		cache:   cache.New(cacheOpts...),
		link:    l,
		docs:    docs,
		watches: make(map[string]*cache.Subscription),
		log:     cfg.log,
		logger:  cfg.logger,
	}, nil
}

func (r *Runner) Cache() *cache.Cache { return r.cache }

func (r *Runner) Link() *link.Static { return r.link }

// Close unsubscribes every open watch.
func (r *Runner) Close() {
	for name, sub := range r.watches {
		sub.Unsubscribe()
		delete(r.watches, name)
	}
}

// Run executes every step in order. It stops at the first step that fails
// unexpectedly or whose expectations do not hold, returning the results so
// far together with the error.
func (r *Runner) Run(ctx context.Context) ([]StepResult, error) {
	results := make([]StepResult, 0, len(r.sc.Steps))
	for i, st := range r.sc.Steps {
		res := r.step(ctx, st)
		res.Index = i
		res.Action = st.Action
		res.Message = st.Message
		if res.Message == "" {
			res.Message = describe(st)
		}
		res.Deliveries = r.drain(ctx)
		results = append(results, res)

		if r.log != nil {
			r.log.Add(res.Message, r.cache)
		}
		fields := []zap.Field{zap.Int("step", i), zap.String("action", st.Action), zap.String("message", res.Message)}
		if res.Result != nil {
			fields = append(fields, zap.Bool("complete", res.Result.Complete), zap.Strings("missing", res.Result.MissingPaths()))
		}
		if res.Err != nil {
			fields = append(fields, zap.Error(res.Err))
		}
		r.logger.Info("step", fields...)

		if err := check(st.Expect, res); err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i, res.Message, err)
		}
	}
	return results, nil
}

func (r *Runner) step(ctx context.Context, st Step) StepResult {
	var res StepResult
	doc := r.docs[st.Document]
	switch st.Action {
	case "query":
		qr, err := r.cache.Query(ctx, cache.QueryOptions{
			Query:         doc,
			OperationName: st.Operation,
			Variables:     st.Variables,
			FetchPolicy:   cache.FetchPolicy(st.FetchPolicy),
		})
		if err == nil {
			res.Result, res.FromCache = &qr.Result, qr.FromCache
		}
		res.Err = err
	case "mutate":
		res.Result, res.Err = r.cache.Mutate(ctx, cache.MutateOptions{
			Mutation:      doc,
			OperationName: st.Operation,
			Variables:     st.Variables,
			NoBroadcast:   st.NoBroadcast,
		})
	case "readQuery":
		res.Result, res.Err = r.cache.ReadQuery(cache.ReadQueryOptions{
			Query:         doc,
			OperationName: st.Operation,
			Variables:     st.Variables,
			ID:            st.ID,
		})
	case "readFragment":
		res.Result, res.Err = r.cache.ReadFragment(cache.ReadFragmentOptions{
			Fragment:     doc,
			FragmentName: st.Fragment,
			ID:           st.ID,
			Variables:    st.Variables,
		})
	case "writeQuery":
		res.Err = r.cache.WriteQuery(ctx, cache.WriteQueryOptions{
			Query:         doc,
			OperationName: st.Operation,
			Variables:     st.Variables,
			ID:            st.ID,
			Data:          st.Data,
			NoBroadcast:   st.NoBroadcast,
		})
	case "writeFragment":
		res.Err = r.cache.WriteFragment(ctx, cache.WriteFragmentOptions{
			Fragment:     doc,
			FragmentName: st.Fragment,
			ID:           st.ID,
			Variables:    st.Variables,
			Data:         st.Data,
			NoBroadcast:  st.NoBroadcast,
		})
	case "writeData":
		res.Err = r.cache.WriteData(ctx, cache.WriteDataOptions{ID: st.ID, Data: st.Data, NoBroadcast: st.NoBroadcast})
	case "evict":
		res.Removed = r.cache.Evict(ctx, cache.EvictOptions{ID: st.ID, FieldName: st.Field, Args: st.Args, NoBroadcast: st.NoBroadcast})
	case "gc":
		res.Collected = r.cache.GC(ctx)
	case "retain":
		r.cache.Retain(st.ID)
	case "release":
		r.cache.Release(st.ID)
	case "watch":
		if _, ok := r.watches[st.Watch]; ok {
			res.Err = fmt.Errorf("watch %q already exists", st.Watch)
			return res
		}
		sub, err := r.cache.Watch(cache.WatchOptions{
			Query:         doc,
			OperationName: st.Operation,
			FragmentName:  st.Fragment,
			ID:            st.ID,
			Variables:     st.Variables,
			NoBroadcast:   st.NoBroadcast,
		})
		if err != nil {
			res.Err = err
			return res
		}
		r.watches[st.Watch] = sub
		first, err := sub.Next(ctx)
		if err != nil {
			res.Err = err
			return res
		}
		res.Result, res.Err = &first.Result, first.Err
	case "unwatch", "refresh":
		sub, ok := r.watches[st.Watch]
		if !ok {
			res.Err = fmt.Errorf("unknown watch %q", st.Watch)
			return res
		}
		if st.Action == "refresh" {
			sub.Refresh()
			return res
		}
		sub.Unsubscribe()
		delete(r.watches, st.Watch)
	case "reset":
		r.cache.Reset(ctx)
	default:
		res.Err = fmt.Errorf("unknown action %q", st.Action)
	}
	return res
}

// drain consumes queued watch results. Deliveries happen synchronously with
// the mutation, so everything caused by the step is already queued.
func (r *Runner) drain(ctx context.Context) map[string]int {
	out := make(map[string]int)
	for name, sub := range r.watches {
		for sub.Pending() > 0 {
			if _, err := sub.Next(ctx); err != nil {
				break
			}
			out[name]++
		}
	}
	return out
}

func describe(st Step) string {
	switch st.Action {
	case "query":
		policy := st.FetchPolicy
		if policy == "" {
			policy = string(cache.CacheFirst)
		}
		return fmt.Sprintf("query %s (%s)", st.Document, policy)
	case "evict":
		args := []string{st.ID}
		if st.Field != "" {
			args = append(args, st.Field)
		}
		return fmt.Sprintf("evict(%s)", strings.Join(args, ", "))
	case "writeData", "retain", "release":
		return fmt.Sprintf("%s(%s)", st.Action, st.ID)
	case "watch", "unwatch", "refresh":
		return fmt.Sprintf("%s %s", st.Action, st.Watch)
	case "gc", "reset":
		return st.Action + "()"
	}
	if st.ID != "" {
		return fmt.Sprintf("%s %s (%s)", st.Action, st.Document, st.ID)
	}
	return fmt.Sprintf("%s %s", st.Action, st.Document)
}

var equateEmpty = cmpopts.EquateEmpty()

func check(exp *Expect, res StepResult) error {
	if exp == nil {
		return res.Err
	}
	if exp.Error != "" {
		if res.Err == nil {
			return fmt.Errorf("expected error containing %q, got none", exp.Error)
		}
		if !strings.Contains(res.Err.Error(), exp.Error) {
			return fmt.Errorf("expected error containing %q, got %v", exp.Error, res.Err)
		}
		return nil
	}
	if res.Err != nil {
		return res.Err
	}

	var err error
	needResult := exp.Complete != nil || exp.Data != nil || exp.Missing != nil
	if needResult && res.Result == nil {
		return fmt.Errorf("step produced no result to check")
	}
	if exp.Complete != nil && *exp.Complete != res.Result.Complete {
		err = multierr.Append(err, fmt.Errorf("complete: want %t, got %t", *exp.Complete, res.Result.Complete))
	}
	if exp.FromCache != nil && *exp.FromCache != res.FromCache {
		err = multierr.Append(err, fmt.Errorf("fromCache: want %t, got %t", *exp.FromCache, res.FromCache))
	}
	if exp.Data != nil {
		if diff := cmp.Diff(exp.Data, res.Result.Data, equateEmpty); diff != "" {
			err = multierr.Append(err, fmt.Errorf("data mismatch (-want +got):\n%s", diff))
		}
	}
	if exp.Missing != nil {
		got := res.Result.MissingPaths()
		want := append([]string(nil), exp.Missing...)
		sort.Strings(got)
		sort.Strings(want)
		if diff := cmp.Diff(want, got, equateEmpty); diff != "" {
			err = multierr.Append(err, fmt.Errorf("missing mismatch (-want +got):\n%s", diff))
		}
	}
	if exp.Removed != nil && *exp.Removed != res.Removed {
		err = multierr.Append(err, fmt.Errorf("removed: want %t, got %t", *exp.Removed, res.Removed))
	}
	if exp.Collected != nil {
		if diff := cmp.Diff(exp.Collected, res.Collected, equateEmpty); diff != "" {
			err = multierr.Append(err, fmt.Errorf("collected mismatch (-want +got):\n%s", diff))
		}
	}
	if exp.Deliveries != nil {
		if diff := cmp.Diff(exp.Deliveries, res.Deliveries, equateEmpty, cmpopts.IgnoreMapEntries(func(_ string, n int) bool { return n == 0 })); diff != "" {
			err = multierr.Append(err, fmt.Errorf("deliveries mismatch (-want +got):\n%s", diff))
		}
	}
	return err
}
