package tools

import (
	"context"

	"seed/internal/tools/process"
	"seed/internal/workspace"
)

type contextKey int

const (
	resolverKey contextKey = iota
	trackerKey
)

// WithResolver attaches the task's workspace resolver to the context so
// builtin tools can resolve logical paths.
func WithResolver(ctx context.Context, resolver *workspace.Resolver) context.Context {
	return context.WithValue(ctx, resolverKey, resolver)
}

// ResolverFromContext returns the attached resolver, or nil.
func ResolverFromContext(ctx context.Context) *workspace.Resolver {
	resolver, _ := ctx.Value(resolverKey).(*workspace.Resolver)
	return resolver
}

// WithProcessTracker attaches the shared background process tracker.
func WithProcessTracker(ctx context.Context, tracker *process.Tracker) context.Context {
	return context.WithValue(ctx, trackerKey, tracker)
}

// ProcessTrackerFromContext returns the attached tracker, or nil.
func ProcessTrackerFromContext(ctx context.Context) *process.Tracker {
	tracker, _ := ctx.Value(trackerKey).(*process.Tracker)
	return tracker
}
