package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNetworkTracker_IdleWhenNothingInFlight(t *testing.T) {
	tr := newNetworkTracker(zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, tr.waitIdle(ctx, 20*time.Millisecond))
}

func TestNetworkTracker_WaitsForInflight(t *testing.T) {
	tr := newNetworkTracker(zaptest.NewLogger(t))
	tr.started("r1")
	tr.started("r2")
	assert.Equal(t, 2, tr.active())

	go func() {
		time.Sleep(50 * time.Millisecond)
		tr.finished("r1")
		time.Sleep(50 * time.Millisecond)
		tr.finished("r2")
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.waitIdle(ctx, 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, tr.active())
}

func TestNetworkTracker_TimeoutReportsInflight(t *testing.T) {
	tr := newNetworkTracker(zaptest.NewLogger(t))
	tr.started("hung")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := tr.waitIdle(ctx, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 requests in flight")
}

func TestNetworkTracker_StaleRequestsIgnored(t *testing.T) {
	tr := newNetworkTracker(zaptest.NewLogger(t))

	var mu sync.Mutex
	now := time.Now()
	tr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	tr.started("stream")
	assert.Equal(t, 1, tr.active())

	mu.Lock()
	now = now.Add(staleRequestAge + time.Second)
	mu.Unlock()
	assert.Zero(t, tr.active(), "a long lived stream no longer counts")
}

func TestNetworkTracker_RedirectKeepsStartTime(t *testing.T) {
	tr := newNetworkTracker(zaptest.NewLogger(t))
	first := time.Unix(100, 0)
	tr.now = func() time.Time { return first }
	tr.started(network.RequestID("r"))

	tr.now = func() time.Time { return first.Add(time.Second) }
	tr.started(network.RequestID("r"))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, first, tr.inflight["r"])
}

func TestNetworkTracker_ConsoleErrorsBounded(t *testing.T) {
	tr := newNetworkTracker(zaptest.NewLogger(t))
	for i := 0; i < maxConsoleErrors+10; i++ {
		tr.consoleError("boom")
	}
	assert.Len(t, tr.consoleErrors(), maxConsoleErrors)
}

func TestScript_EncodesArguments(t *testing.T) {
	js, err := script(`f(%s, %s)`, `#a"b`, "line\nbreak")
	require.NoError(t, err)
	assert.Equal(t, `f("#a\"b", "line\nbreak")`, js)
}

func TestCombineContext(t *testing.T) {
	type key struct{}
	primary := context.WithValue(context.Background(), key{}, "target")

	op, opCancel := context.WithCancel(context.Background())
	combined, cancel := CombineContext(primary, op)
	defer cancel()

	assert.Equal(t, "target", combined.Value(key{}))
	opCancel()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context not cancelled by op")
	}
}

func TestDetach(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, 42))
	cancel()

	d := Detach(parent)
	assert.NoError(t, d.Err())
	assert.Nil(t, d.Done())
	assert.Equal(t, 42, d.Value(key{}))
	_, ok := d.Deadline()
	assert.False(t, ok)
}
