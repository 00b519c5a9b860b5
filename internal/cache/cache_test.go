package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	language "github.com/hanpama/gqlcache/internal/language"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const peopleQuery = `query People { people { __typename id name } }`

func mustParse(t *testing.T, sources ...string) *language.QueryDocument {
	t.Helper()
	doc, err := language.ParseQuery(sources...)
	require.NoError(t, err)
	return doc
}

func person(id, name string) map[string]any {
	return map[string]any{"__typename": "Person", "id": id, "name": name}
}

func writePeople(t *testing.T, c *Cache, doc *language.QueryDocument, people ...map[string]any) {
	t.Helper()
	list := make([]any, len(people))
	for i, p := range people {
		list[i] = p
	}
	err := c.WriteQuery(context.Background(), WriteQueryOptions{Query: doc, Data: map[string]any{"people": list}})
	require.NoError(t, err)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"), person("2", "Grace"))

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.True(t, res.Complete)
	want := map[string]any{"people": []any{person("1", "Ada"), person("2", "Grace")}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("read mismatch (-want +got):\n%s", diff)
	}

	wantStore := Snapshot{
		RootQuery:  Record{"people": []any{Ref("Person:1"), Ref("Person:2")}},
		"Person:1": Record(person("1", "Ada")),
		"Person:2": Record(person("2", "Grace")),
	}
	if diff := cmp.Diff(wantStore, c.Extract()); diff != "" {
		t.Fatalf("store mismatch (-want +got):\n%s", diff)
	}
}

func TestWritesMergeMonotonically(t *testing.T) {
	c := New()
	ctx := context.Background()
	withName := mustParse(t, `{ person(id: 1) { __typename id name } }`)
	withAge := mustParse(t, `{ person(id: 1) { __typename id age } }`)

	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: withName, Data: map[string]any{
		"person": person("1", "Ada"),
	}}))
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: withAge, Data: map[string]any{
		"person": map[string]any{"__typename": "Person", "id": "1", "age": 36},
	}}))

	got := c.Extract()["Person:1"]
	want := Record{"__typename": "Person", "id": "1", "name": "Ada", "age": 36}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, Ref("Person:1"), c.Extract()[RootQuery][`person({"id":1})`])

	// A payload without the field keeps what is stored.
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: withName, Data: map[string]any{
		"person": map[string]any{"__typename": "Person", "id": "1"},
	}}))
	require.Equal(t, "Ada", c.Extract()["Person:1"]["name"])
}

func TestEvictFieldReportsMissing(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, `{ serverTime }`)
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: map[string]any{"serverTime": "12:00"}}))

	require.True(t, c.Evict(ctx, EvictOptions{FieldName: "serverTime"}))
	require.False(t, c.Evict(ctx, EvictOptions{FieldName: "serverTime"}))

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, []string{"serverTime"}, res.MissingPaths())
	require.Error(t, res.Err())
}

func TestEvictFieldVariants(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, `query P($id: Int) { person(id: $id) { __typename id name } }`)
	for _, id := range []int{1, 2} {
		require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{
			Query:     doc,
			Variables: map[string]any{"id": id},
			Data:      map[string]any{"person": person(strconv.Itoa(id), "p")},
		}))
	}
	require.Len(t, c.Extract()[RootQuery], 2)

	require.True(t, c.Evict(ctx, EvictOptions{FieldName: "person", Args: map[string]any{"id": 1}}))
	root := c.Extract()[RootQuery]
	require.NotContains(t, root, `person({"id":1})`)
	require.Contains(t, root, `person({"id":2})`)

	require.True(t, c.Evict(ctx, EvictOptions{FieldName: "person"}))
	require.Empty(t, c.Extract()[RootQuery])
}

func TestEvictUnknownIsNoop(t *testing.T) {
	c := New()
	require.False(t, c.Evict(context.Background(), EvictOptions{ID: "Person:404"}))
	require.False(t, c.Evict(context.Background(), EvictOptions{ID: "Person:404", FieldName: "name"}))
}

func TestDanglingReferenceIsMissing(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"), person("2", "Grace"))

	require.True(t, c.Evict(context.Background(), EvictOptions{ID: "Person:2"}))

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, []string{"people[1]"}, res.MissingPaths())
	require.Equal(t, map[string]any{"people": []any{person("1", "Ada")}}, res.Data)
}

func TestGCRemovesUnreachable(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"), person("2", "Grace"))
	writePeople(t, c, doc, person("1", "Ada"))

	require.Equal(t, []string{"Person:2"}, c.GC(ctx))
	require.Empty(t, c.GC(ctx))
	require.ElementsMatch(t, []string{RootQuery, "Person:1"}, c.Extract().IDs())
}

func TestGCKeepsRetained(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.WriteData(ctx, WriteDataOptions{ID: "Person:3", Data: person("3", "Cy")}))

	require.Equal(t, 1, c.Retain("Person:3"))
	require.Empty(t, c.GC(ctx))
	require.Equal(t, 0, c.Release("Person:3"))
	require.Equal(t, []string{"Person:3"}, c.GC(ctx))
}

func TestGCKeepsWatched(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.WriteData(ctx, WriteDataOptions{ID: "Person:3", Data: person("3", "Cy")}))
	frag := mustParse(t, `fragment Name on Person { name }`)

	sub, err := c.Watch(WatchOptions{Query: frag, ID: "Person:3"})
	require.NoError(t, err)
	require.Empty(t, c.GC(ctx))

	sub.Unsubscribe()
	require.Equal(t, []string{"Person:3"}, c.GC(ctx))
}

func TestInvalidWriteIsAtomic(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Book": {KeyFields: []string{"isbn"}}}))
	doc := mustParse(t, `{ greeting books { __typename isbn title } }`)
	err := c.WriteQuery(context.Background(), WriteQueryOptions{Query: doc, Data: map[string]any{
		"greeting": "hi",
		"books": []any{
			map[string]any{"__typename": "Book", "isbn": "1", "title": "A"},
			map[string]any{"__typename": "Book", "title": "B"},
		},
	}})

	var iwe *InvalidWriteError
	require.True(t, errors.As(err, &iwe), "got %v", err)
	require.Equal(t, "books[1]", iwe.Path.String())
	require.Empty(t, c.Extract())
}

func TestKeyFieldsIdentity(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Book": {KeyFields: []string{"isbn"}}}))
	doc := mustParse(t, `{ books { __typename isbn title } }`)
	require.NoError(t, c.WriteQuery(context.Background(), WriteQueryOptions{Query: doc, Data: map[string]any{
		"books": []any{map[string]any{"__typename": "Book", "isbn": "1", "title": "A"}},
	}}))
	require.Contains(t, c.Extract(), `Book:{"isbn":"1"}`)

	id, ok := c.Identify(map[string]any{"__typename": "Book", "isbn": "1"})
	require.True(t, ok)
	require.Equal(t, `Book:{"isbn":"1"}`, id)
}

func TestEmbeddedObjects(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, `{ settings { __typename theme } }`)
	data := map[string]any{"settings": map[string]any{"__typename": "Settings", "theme": "dark"}}
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: data}))

	require.Equal(t, []string{RootQuery}, c.Extract().IDs())
	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.Equal(t, data, res.Data)
}

func TestWriteFragmentAndReadFragment(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"))
	frag := mustParse(t, `fragment PersonName on Person { name }`)

	require.NoError(t, c.WriteFragment(ctx, WriteFragmentOptions{Fragment: frag, ID: "Person:1", Data: map[string]any{"name": "Bob"}}))

	res, err := c.ReadFragment(ReadFragmentOptions{Fragment: frag, ID: "Person:1"})
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, map[string]any{"name": "Bob"}, res.Data)

	q, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"people": []any{person("1", "Bob")}}, q.Data)

	missing, err := c.ReadFragment(ReadFragmentOptions{Fragment: frag, ID: "Person:9"})
	require.NoError(t, err)
	require.False(t, missing.Complete)
	require.Nil(t, missing.Data)
}

func TestWriteFragmentDerivesID(t *testing.T) {
	c := New()
	frag := mustParse(t, `fragment P on Person { __typename id name }`)
	require.NoError(t, c.WriteFragment(context.Background(), WriteFragmentOptions{Fragment: frag, Data: person("7", "Eve")}))
	require.Contains(t, c.Extract(), "Person:7")

	err := c.WriteFragment(context.Background(), WriteFragmentOptions{Fragment: frag, Data: map[string]any{"name": "x"}})
	var iwe *InvalidWriteError
	require.True(t, errors.As(err, &iwe))
}

func TestWriteDataNormalizes(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.WriteData(ctx, WriteDataOptions{Data: map[string]any{
		"me": map[string]any{"__typename": "Person", "id": "1", "name": "Ada"},
	}}))
	want := Snapshot{
		RootQuery:  Record{"me": Ref("Person:1")},
		"Person:1": Record(person("1", "Ada")),
	}
	if diff := cmp.Diff(want, c.Extract()); diff != "" {
		t.Fatalf("store mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	c := New()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"))

	snap := c.Extract()
	snap["Person:1"]["name"] = "Mallory"
	require.Equal(t, "Ada", c.Extract()["Person:1"]["name"])

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	res.Data["people"].([]any)[0].(map[string]any)["name"] = "Mallory"
	require.Equal(t, "Ada", c.Extract()["Person:1"]["name"])
}

func TestSnapshotJSONRestore(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, peopleQuery)
	writePeople(t, c, doc, person("1", "Ada"), person("2", "Grace"))

	b, err := json.Marshal(c.Extract())
	require.NoError(t, err)
	require.Contains(t, string(b), `{"__ref":"Person:1"}`)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(b, &snap))
	if diff := cmp.Diff(c.Extract(), snap); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	restored := New()
	restored.Restore(ctx, snap)
	res, err := restored.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.True(t, res.Complete)

	restored.Reset(ctx)
	require.Empty(t, restored.Extract())
}

func TestFieldPolicyPanicIsReported(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Query": {Fields: map[string]FieldPolicy{
		"boom": {Read: func(any, bool, FieldOptions) (any, bool) { panic("kaboom") }},
	}}}))
	_, err := c.ReadQuery(ReadQueryOptions{Query: mustParse(t, `{ boom }`)})
	var fpe *FieldPolicyError
	require.True(t, errors.As(err, &fpe), "got %v", err)
	require.Equal(t, "Query", fpe.Typename)
	require.Equal(t, "boom", fpe.FieldName)
}

func TestReadAsReference(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Query": {Fields: map[string]FieldPolicy{
		"person": {Read: ReadAsReference("Person", "id")},
	}}}))
	writePeople(t, c, mustParse(t, peopleQuery), person("1", "Ada"))

	res, err := c.ReadQuery(ReadQueryOptions{Query: mustParse(t, `{ person(id: "1") { id name } }`)})
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, map[string]any{"person": map[string]any{"id": "1", "name": "Ada"}}, res.Data)
}

func TestKeyArgsSelectStoreSlot(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Query": {Fields: map[string]FieldPolicy{
		"person": {KeyArgs: []string{"id"}},
	}}}))
	ctx := context.Background()
	doc := mustParse(t, `query P($id: Int!, $locale: String) { person(id: $id, locale: $locale) { __typename id name } }`)

	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Variables: map[string]any{"id": 1, "locale": "en"}, Data: map[string]any{"person": person("1", "Ada")}}))
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Variables: map[string]any{"id": 2, "locale": "en"}, Data: map[string]any{"person": person("2", "Grace")}}))

	root := c.Extract()[RootQuery]
	require.Equal(t, Ref("Person:1"), root[`person({"id":1})`])
	require.Equal(t, Ref("Person:2"), root[`person({"id":2})`])

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc, Variables: map[string]any{"id": 2, "locale": "fr"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"person": person("2", "Grace")}, res.Data)
}

func TestMergeFunction(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Query": {Fields: map[string]FieldPolicy{
		"feed": {KeyArgs: []string{}, Merge: func(existing, incoming any, _ FieldOptions) any {
			prev, _ := existing.([]any)
			return append(prev, incoming.([]any)...)
		}},
	}}}))
	ctx := context.Background()
	doc := mustParse(t, `query Feed($offset: Int) { feed(offset: $offset) }`)
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Variables: map[string]any{"offset": 0}, Data: map[string]any{"feed": []any{"a", "b"}}}))
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Variables: map[string]any{"offset": 2}, Data: map[string]any{"feed": []any{"c"}}}))

	require.Equal(t, []any{"a", "b", "c"}, c.Extract()[RootQuery]["feed"])
}

func TestPossibleTypesMatchAbstractFragments(t *testing.T) {
	possible, err := PossibleTypesFromSDL(`
		interface Node { id: ID! }
		type Person implements Node { id: ID! name: String }
		type Book implements Node { id: ID! title: String }
		union SearchResult = Person | Book
	`)
	require.NoError(t, err)
	require.Equal(t, []string{"Book", "Person"}, possible["Node"])
	require.Equal(t, []string{"Book", "Person"}, possible["SearchResult"])

	c := New(WithPossibleTypes(possible))
	doc := mustParse(t, `{ search { __typename ... on Node { id } ... on Person { name } ... on Book { title } } }`)
	data := map[string]any{"search": []any{
		map[string]any{"__typename": "Person", "id": "1", "name": "Ada"},
		map[string]any{"__typename": "Book", "id": "2", "title": "SICP"},
	}}
	require.NoError(t, c.WriteQuery(context.Background(), WriteQueryOptions{Query: doc, Data: data}))
	require.Equal(t, Record{"__typename": "Book", "id": "2", "title": "SICP"}, c.Extract()["Book:2"])

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, data, res.Data)
}

type money struct {
	cents    int64
	currency string
}

func TestWriteComparesOpaqueScalars(t *testing.T) {
	c := New()
	ctx := context.Background()
	doc := mustParse(t, `{ balance price }`)
	sub, err := c.Watch(WatchOptions{Query: doc})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	for i := range 2 {
		data := map[string]any{"balance": big.NewInt(int64(i)), "price": money{cents: 100, currency: "EUR"}}
		require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: data}))
	}
	require.Equal(t, 2, sub.Pending())

	// Equal values leave the store and the watch untouched.
	data := map[string]any{"balance": big.NewInt(1), "price": money{cents: 100, currency: "EUR"}}
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: data}))
	require.Equal(t, 2, sub.Pending())

	res, err := c.ReadQuery(ReadQueryOptions{Query: doc})
	require.NoError(t, err)
	require.Zero(t, res.Data["balance"].(*big.Int).Cmp(big.NewInt(1)))
}

func TestPanickingMergeLeavesStoreUsable(t *testing.T) {
	c := New(WithTypePolicies(TypePolicies{"Query": {Fields: map[string]FieldPolicy{
		"tags": {Merge: func(existing, incoming any, _ FieldOptions) any {
			panic("merge failed")
		}},
	}}}))
	ctx := context.Background()
	doc := mustParse(t, `{ title tags }`)

	err := c.WriteQuery(ctx, WriteQueryOptions{Query: doc, Data: map[string]any{"title": "Dune", "tags": []any{"sf"}}})
	var fpe *FieldPolicyError
	require.ErrorAs(t, err, &fpe)
	require.Equal(t, "tags", fpe.FieldName)
	require.Equal(t, "merge failed", fpe.Value)
	require.Empty(t, c.Extract())

	// The cache lock was released.
	other := mustParse(t, `{ title }`)
	require.NoError(t, c.WriteQuery(ctx, WriteQueryOptions{Query: other, Data: map[string]any{"title": "Dune"}}))
	res, err := c.ReadQuery(ReadQueryOptions{Query: other})
	require.NoError(t, err)
	require.True(t, res.Complete)
}
