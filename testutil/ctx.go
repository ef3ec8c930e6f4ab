package testutil

import (
	"context"
	"testing"
	"time"
)

// Context returns a context canceled after the given duration or on test
// cleanup, whichever comes first.
func Context(t *testing.T, dur time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
