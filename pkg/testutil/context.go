// Package testutil provides shared helpers for store and service tests.
package testutil

import (
	"context"
	"time"

	"trustledger/pkg/domain"
	"trustledger/pkg/requestcontext"
)

// Actor returns a stable test actor. The ID is random per call; tests that
// compare actor IDs should capture the returned value rather than calling
// Actor twice.
func Actor(name string) domain.Actor {
	return domain.Actor{ID: domain.NewUserID(), DisplayName: name}
}

// Context returns a context carrying an authenticated actor and a pinned
// clock, matching what the HTTP middleware chain would have populated.
func Context(name string, at time.Time) context.Context {
	ctx := requestcontext.WithActor(context.Background(), Actor(name))
	return requestcontext.WithTime(ctx, at)
}
