// Package logging writes cache events to a zap logger.
package logging

import (
	"context"

	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
	"github.com/hanpama/gqlcache/internal/opid"
	"go.uber.org/zap"
)

// New builds the process logger.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func withOp(ctx context.Context, fields ...zap.Field) []zap.Field {
	if id, ok := opid.FromContext(ctx); ok {
		fields = append(fields, zap.String("opID", id))
	}
	return fields
}

// Attach logs every cache event published on bus and returns a function
// detaching the handlers. Failures log at warn level, the rest at debug.
func Attach(bus *eventbus.Bus, logger *zap.Logger) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryFinish) {
			fields := withOp(ctx,
				zap.String("operation", e.OperationName),
				zap.String("fetchPolicy", e.FetchPolicy),
				zap.Bool("fromCache", e.FromCache),
				zap.Bool("complete", e.Complete),
				zap.Duration("duration", e.Duration),
			)
			if e.Err != nil {
				logger.Warn("query failed", append(fields, zap.Error(e.Err))...)
				return
			}
			logger.Debug("query", fields...)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.RemoteFinish) {
			fields := withOp(ctx,
				zap.String("operation", e.OperationName),
				zap.Bool("shared", e.Shared),
				zap.Duration("duration", e.Duration),
			)
			if e.Err != nil {
				logger.Warn("remote fetch failed", append(fields, zap.Error(e.Err))...)
				return
			}
			logger.Debug("remote fetch", fields...)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Write) {
			fields := withOp(ctx,
				zap.String("kind", e.Kind),
				zap.String("rootID", e.RootID),
				zap.Strings("changed", e.ChangedID),
				zap.Bool("broadcast", e.Broadcast),
			)
			if e.Err != nil {
				logger.Warn("write rejected", append(fields, zap.Error(e.Err))...)
				return
			}
			logger.Debug("write", fields...)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Evict) {
			logger.Debug("evict", withOp(ctx,
				zap.String("id", e.ID),
				zap.String("field", e.FieldName),
				zap.Bool("removed", e.Removed),
			)...)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.GC) {
			logger.Debug("gc", withOp(ctx, zap.Strings("removed", e.Removed))...)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Broadcast) {
			logger.Debug("broadcast", withOp(ctx,
				zap.Int("watchers", e.Watchers),
				zap.Int("delivered", e.Delivered),
			)...)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
