package cache

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Stored scalars may be arbitrary Go values (*big.Int, custom scalar
// structs), so unexported fields are compared too instead of panicking.
var equalOpts = cmp.Options{
	cmpopts.EquateEmpty(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// valuesEqual compares stored values structurally.
func valuesEqual(a, b any) bool {
	return cmp.Equal(a, b, equalOpts)
}

// resultsEqual compares two read results by value, not identity.
func resultsEqual(a, b Result) bool {
	return cmp.Equal(a, b, equalOpts)
}
