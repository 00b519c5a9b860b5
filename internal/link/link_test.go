package link

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticServesByOperationName(t *testing.T) {
	s := NewStatic(map[string]*Response{
		"AllPeople": {Data: map[string]any{"people": []any{}}},
	})

	resp, err := s.Execute(context.Background(), &Request{OperationName: "AllPeople"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"people": []any{}}, resp.Data)

	_, err = s.Execute(context.Background(), &Request{OperationName: "Other"})
	require.True(t, errors.Is(err, ErrNoResponse), "got %v", err)
	require.Len(t, s.Requests(), 2)
}

func TestStaticHonorsCancellation(t *testing.T) {
	s := NewStatic(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Execute(ctx, &Request{OperationName: "X"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, s.Requests())
}

func TestFuncAdapter(t *testing.T) {
	var got string
	l := Func(func(_ context.Context, req *Request) (*Response, error) {
		got = req.Query
		return &Response{}, nil
	})
	_, err := l.Execute(context.Background(), &Request{Query: "{ a }"})
	require.NoError(t, err)
	require.Equal(t, "{ a }", got)
}

func TestStaticQueuesResponses(t *testing.T) {
	first := &Response{Data: map[string]any{"n": 1}}
	second := &Response{Data: map[string]any{"n": 2}}
	s := NewStatic(nil)
	s.Set("Tick", first)
	s.Append("Tick", second)

	ctx := context.Background()
	for _, want := range []*Response{first, second, second} {
		got, err := s.Execute(ctx, &Request{OperationName: "Tick"})
		require.NoError(t, err)
		require.Same(t, want, got)
	}

	s.Set("Tick")
	_, err := s.Execute(ctx, &Request{OperationName: "Tick"})
	require.ErrorIs(t, err, ErrNoResponse)
}
