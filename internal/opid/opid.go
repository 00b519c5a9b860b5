package opid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the operation ID.
type key struct{}

// NewContext returns a copy of parent carrying a fresh operation ID, together
// with that ID. An ID already in parent is shadowed: every operation gets its
// own. Work belonging to the same operation reuses the returned context.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the operation ID from ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
