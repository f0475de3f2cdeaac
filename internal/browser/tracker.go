// internal/browser/tracker.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	idleCheckFrequency = 50 * time.Millisecond

	// Requests open longer than this (event streams, long polls) no longer
	// hold the page busy.
	staleRequestAge = 10 * time.Second

	maxConsoleErrors = 50
)

// networkTracker follows in-flight requests for a tab so navigation can wait
// for the network to go quiet, and keeps console errors for the report.
type networkTracker struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[network.RequestID]time.Time
	console  []string
}

func newNetworkTracker(logger *zap.Logger) *networkTracker {
	return &networkTracker{
		logger:   logger.Named("network"),
		now:      time.Now,
		inflight: make(map[network.RequestID]time.Time),
	}
}

// listen registers the CDP event handler. Handlers run on the target's event
// loop and must not block.
func (t *networkTracker) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			t.started(e.RequestID)
		case *network.EventLoadingFinished:
			t.finished(e.RequestID)
		case *network.EventLoadingFailed:
			t.finished(e.RequestID)
		case *runtime.EventConsoleAPICalled:
			if e.Type == runtime.APITypeError {
				t.consoleError(consoleText(e.Args))
			}
		case *runtime.EventExceptionThrown:
			if e.ExceptionDetails != nil {
				t.consoleError(exceptionText(e.ExceptionDetails))
			}
		}
	})
}

func (t *networkTracker) started(id network.RequestID) {
	t.mu.Lock()
	// Redirects reuse the request ID; keep the original start time.
	if _, ok := t.inflight[id]; !ok {
		t.inflight[id] = t.now()
	}
	t.mu.Unlock()
}

func (t *networkTracker) finished(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.mu.Unlock()
}

func (t *networkTracker) consoleError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.console) < maxConsoleErrors {
		t.console = append(t.console, msg)
	}
}

// active counts requests that still count against idleness.
func (t *networkTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-staleRequestAge)
	n := 0
	for _, started := range t.inflight {
		if started.After(cutoff) {
			n++
		}
	}
	return n
}

func (t *networkTracker) consoleErrors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.console))
	copy(out, t.console)
	return out
}

// waitIdle returns once no request has been active for quiet.
func (t *networkTracker) waitIdle(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(idleCheckFrequency)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		if t.active() > 0 {
			idleSince = time.Time{}
		} else {
			now := t.now()
			if idleSince.IsZero() {
				idleSince = now
			}
			if now.Sub(idleSince) >= quiet {
				t.logger.Debug("Network is idle.")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("network not idle (%d requests in flight): %w", t.active(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func consoleText(args []*runtime.RemoteObject) string {
	var msg string
	for i, a := range args {
		if i > 0 {
			msg += " "
		}
		switch {
		case a.Description != "":
			msg += a.Description
		case len(a.Value) > 0:
			msg += string(a.Value)
		default:
			msg += string(a.Type)
		}
	}
	return msg
}

func exceptionText(d *runtime.ExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
