// Package sink delivers engagement batches to the analytics collaborator.
//
// A Sink call either acknowledges the whole batch (nil), a prefix of it
// (*PartialError) or nothing (any other error). Errors wrapped with
// Permanent are not retried. Every event carries its correlation ID so
// re-sending an acknowledged event is a no-op downstream.
package sink

import (
	"context"

	"notipipe/internal/notification"
)

type Sink interface {
	Send(ctx context.Context, b notification.Batch) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, b notification.Batch) error

func (f Func) Send(ctx context.Context, b notification.Batch) error { return f(ctx, b) }
