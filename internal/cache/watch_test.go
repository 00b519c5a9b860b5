package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub *Subscription) WatchResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := sub.Next(ctx)
	require.NoError(t, err)
	return r
}

func TestWatchDeliversInitialAndChanges(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := next(t, sub)
	require.False(t, first.Complete)
	require.Equal(t, []string{"people"}, first.MissingPaths())

	writePeople(t, c, doc, person("1", "Ada"))
	second := next(t, sub)
	require.True(t, second.Complete)
	require.Equal(t, map[string]any{"people": []any{person("1", "Ada")}}, second.Data)

	frag := mustParse(t, `fragment PersonName on Person { name }`)
	require.NoError(t, c.WriteFragment(context.Background(), WriteFragmentOptions{Fragment: frag, ID: "Person:1", Data: map[string]any{"name": "Bob"}}))
	third := next(t, sub)
	require.Equal(t, map[string]any{"people": []any{person("1", "Bob")}}, third.Data)
	require.Zero(t, sub.Pending())
}

func TestWatchSkipsUnchangedResults(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"))
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	// Identical payload: nothing changes in the store.
	writePeople(t, c, doc, person("1", "Ada"))
	require.Zero(t, sub.Pending())

	// ROOT_QUERY changes but the watched result does not.
	require.NoError(t, c.WriteData(ctx, WriteDataOptions{Data: map[string]any{"unrelated": "x"}}))
	require.Zero(t, sub.Pending())

	// Records outside the dependency set are ignored.
	require.NoError(t, c.WriteData(ctx, WriteDataOptions{ID: "Person:2", Data: person("2", "Grace")}))
	require.Zero(t, sub.Pending())
}

func TestWatchReturnUnchanged(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"))
	sub, err := c.Watch(WatchOptions{Query: doc, ReturnUnchanged: true})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	require.NoError(t, c.WriteData(context.Background(), WriteDataOptions{Data: map[string]any{"unrelated": "x"}}))
	require.Equal(t, 1, sub.Pending())
}

func TestWriteWithoutBroadcast(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, peopleQuery)
	frag := mustParse(t, `fragment PersonName on Person { name }`)
	writePeople(t, c, doc, person("1", "Ada"))
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	require.NoError(t, c.WriteFragment(ctx, WriteFragmentOptions{Fragment: frag, ID: "Person:1", Data: map[string]any{"name": "Bob"}, NoBroadcast: true}))
	require.Zero(t, sub.Pending())

	// The next broadcasting mutation picks up the suppressed change even
	// though it touches an unrelated record.
	require.NoError(t, c.WriteData(ctx, WriteDataOptions{ID: "Other:1", Data: map[string]any{"__typename": "Other", "id": "1"}}))
	r := next(t, sub)
	require.Equal(t, map[string]any{"people": []any{person("1", "Bob")}}, r.Data)
}

func TestRefreshAfterSuppressedWrite(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"))
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	require.NoError(t, c.WriteQuery(context.Background(), WriteQueryOptions{
		Query:       doc,
		Data:        map[string]any{"people": []any{person("2", "Grace")}},
		NoBroadcast: true,
	}))
	require.Zero(t, sub.Pending())

	sub.Refresh()
	r := next(t, sub)
	require.Equal(t, map[string]any{"people": []any{person("2", "Grace")}}, r.Data)

	sub.Refresh()
	require.Zero(t, sub.Pending())
}

func TestWatchOptOutOfBroadcast(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	sub, err := c.Watch(WatchOptions{Query: doc, NoBroadcast: true})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	writePeople(t, c, doc, person("1", "Ada"))
	require.Zero(t, sub.Pending())
	sub.Refresh()
	require.True(t, next(t, sub).Complete)
}

func TestWatchFragment(t *testing.T) {
	c := New()
	ctx := context.Background()
	frag := mustParse(t, `fragment PersonName on Person { name }`)
	sub, err := c.Watch(WatchOptions{Query: frag, ID: "Person:1"})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	r := next(t, sub)
	require.False(t, r.Complete)
	require.Nil(t, r.Data)

	require.NoError(t, c.WriteData(ctx, WriteDataOptions{ID: "Person:1", Data: person("1", "Ada")}))
	require.Equal(t, map[string]any{"name": "Ada"}, next(t, sub).Data)

	require.True(t, c.Evict(ctx, EvictOptions{ID: "Person:1"}))
	require.False(t, next(t, sub).Complete)

	_, err = c.Watch(WatchOptions{Query: frag})
	require.ErrorIs(t, err, ErrFragmentWatchNeedsID)
	var iwe *InvalidWriteError
	require.False(t, errors.As(err, &iwe))
}

func TestWatchDeliversPolicyErrors(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Query": {Fields: map[string]FieldPolicy{
		"status": {Read: func(existing any, exists bool, _ FieldOptions) (any, bool) {
			if existing == "broken" {
				panic("cannot read status")
			}
			return existing, exists
		}},
	}}}))
	ctx := context.Background()
	doc := mustParse(t, `{ status }`)
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: map[string]any{"status": "ok"}}))
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, next(t, sub).Err)

	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: map[string]any{"status": "broken"}}))
	r := next(t, sub)
	var fpe *FieldPolicyError
	require.True(t, errors.As(r.Err, &fpe), "got %v", r.Err)

	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: map[string]any{"status": "ok"}}))
	r = next(t, sub)
	require.NoError(t, r.Err)
	require.Equal(t, map[string]any{"status": "ok"}, r.Data)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	writePeople(t, c, doc, person("1", "Ada"))

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.Zero(t, sub.Pending())
}

func TestSubscriptionResults(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	writePeople(t, c, doc, person("1", "Ada"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []bool
	for r := range sub.Results(ctx) {
		got = append(got, r.Complete)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []bool{false, true}, got)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub.Results(context.Background()) {
		}
	}()
	sub.Unsubscribe()
	<-done
}

func TestNextHonorsContext(t *testing.T) {
	c := New()
	sub, err := c.Watch(WatchOptions{Query: mustParse(t, peopleQuery)})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
