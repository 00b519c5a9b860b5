package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentify(t *testing.T) {
	pol := newPolicies(TypePolicies{
		"Book":     {KeyFields: []string{"isbn", "edition"}},
		"Settings": {Embedded: true},
	}, nil)

	tests := []struct {
		name    string
		obj     map[string]any
		want    string
		ok      bool
		wantErr bool
	}{
		{name: "id", obj: map[string]any{"__typename": "Person", "id": "1"}, want: "Person:1", ok: true},
		{name: "numeric id", obj: map[string]any{"__typename": "Person", "id": 7}, want: "Person:7", ok: true},
		{name: "underscore id", obj: map[string]any{"__typename": "Doc", "_id": "x"}, want: "Doc:x", ok: true},
		{name: "key fields", obj: map[string]any{"__typename": "Book", "isbn": "1", "edition": 2}, want: `Book:{"isbn":"1","edition":2}`, ok: true},
		{name: "missing key field", obj: map[string]any{"__typename": "Book", "isbn": "1"}, wantErr: true},
		{name: "embedded", obj: map[string]any{"__typename": "Settings", "id": "1"}},
		{name: "no typename", obj: map[string]any{"id": "1"}},
		{name: "no id", obj: map[string]any{"__typename": "Person"}},
		{name: "root", obj: map[string]any{"__typename": "Query"}, want: RootQuery, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := pol.identify(tt.obj)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStoreFieldName(t *testing.T) {
	args := map[string]any{"id": 1, "locale": "en"}
	require.Equal(t, "people", storeFieldName("people", nil, nil))
	require.Equal(t, `person({"id":1,"locale":"en"})`, storeFieldName("person", args, nil))
	require.Equal(t, `person({"id":1})`, storeFieldName("person", args, &FieldPolicy{KeyArgs: []string{"id"}}))
	require.Equal(t, "person", storeFieldName("person", args, &FieldPolicy{KeyArgs: []string{}}))
	require.Equal(t, "person", fieldNameOf(`person({"id":1})`))
}

func TestMatchesAbstractTypes(t *testing.T) {
	pol := newPolicies(nil, map[string][]string{
		"Node":      {"Person", "Media"},
		"Media":     {"Book", "Film"},
		"Character": {"Person"},
	})
	require.True(t, pol.matches("Person", "Node"))
	require.True(t, pol.matches("Book", "Node"))
	require.True(t, pol.matches("Film", "Media"))
	require.False(t, pol.matches("Book", "Character"))
	require.True(t, pol.matches("", "Character"))
	require.True(t, pol.matches("Book", ""))
}

func TestMergeObjectsPolicy(t *testing.T) {
	require.Equal(t,
		map[string]any{"__typename": "Prefs", "theme": "dark", "lang": "en"},
		mergeObjects(
			map[string]any{"__typename": "Prefs", "theme": "light", "lang": "en"},
			map[string]any{"__typename": "Prefs", "theme": "dark"},
		))
	require.Equal(t, "x", mergeObjects(map[string]any{"a": 1}, "x"))
}
