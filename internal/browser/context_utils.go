// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives from primary, which carries the chromedp target, and
// additionally cancels when op is done. Values always come from primary.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	if op.Done() == nil {
		return combined, cancel
	}
	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// detached keeps the parent's values but none of its cancellation.
type detached struct {
	context.Context
}

func (detached) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detached) Done() <-chan struct{}       { return nil }
func (detached) Err() error                  { return nil }

// Detach returns a context that survives cancellation of ctx. Cleanup paths
// use it so an interrupted run still closes the browser and stops the server.
func Detach(ctx context.Context) context.Context {
	return detached{ctx}
}
