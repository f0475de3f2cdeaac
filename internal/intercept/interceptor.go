// internal/intercept/interceptor.go
package intercept

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/persistcheck/internal/outcome"
)

// Decision is what happens to one paused request.
type Decision struct {
	Fulfill bool
	Rule    Rule
	index   int
}

// Interceptor pauses every request of a tab and either fulfils it from the
// rule set or lets it through untouched.
type Interceptor struct {
	rules  *RuleSet
	logger *zap.Logger

	fulfilled atomic.Uint64
	continued atomic.Uint64
	failed    atomic.Uint64
	hits      []atomic.Uint64

	wg sync.WaitGroup
}

// New creates an Interceptor for rules. A nil or empty set continues every
// request.
func New(rules *RuleSet, logger *zap.Logger) *Interceptor {
	return &Interceptor{
		rules:  rules,
		logger: logger.Named("intercept"),
		hits:   make([]atomic.Uint64, rules.Len()),
	}
}

// Decide matches url against the rules without touching the browser.
func (i *Interceptor) Decide(url string) Decision {
	r, idx, ok := i.rules.Match(url)
	return Decision{Fulfill: ok, Rule: r, index: idx}
}

// Install enables request interception on the tab carried by tabCtx. It must
// run before the first navigation that needs mocking.
func (i *Interceptor) Install(tabCtx context.Context) error {
	if i.rules.Len() == 0 {
		i.logger.Debug("No mock rules; interception not installed.")
		return nil
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		// Replying from the event loop would deadlock it.
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.handle(tabCtx, e)
		}()
	})

	err := chromedp.Run(tabCtx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
	}))
	if err != nil {
		return outcome.Startup("install mocks", err)
	}
	i.logger.Info("Request interception installed.", zap.Strings("rules", i.rules.Names()))
	return nil
}

func (i *Interceptor) handle(tabCtx context.Context, e *fetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		i.failed.Add(1)
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	d := i.Decide(e.Request.URL)
	var err error
	if d.Fulfill {
		err = fulfill(execCtx, e.RequestID, d.Rule.Response)
	} else {
		err = fetch.ContinueRequest(e.RequestID).Do(execCtx)
	}

	if err != nil {
		i.failed.Add(1)
		// Requests in flight when the tab closes fail routinely.
		if tabCtx.Err() == nil {
			i.logger.Warn("Failed to resolve paused request.",
				zap.String("url", e.Request.URL),
				zap.Bool("mocked", d.Fulfill),
				zap.Error(err))
		}
		return
	}
	i.record(d)
	if d.Fulfill {
		i.logger.Debug("Served mock.", zap.String("rule", d.Rule.Name), zap.String("url", e.Request.URL))
	}
}

func (i *Interceptor) record(d Decision) {
	if !d.Fulfill {
		i.continued.Add(1)
		return
	}
	i.fulfilled.Add(1)
	if d.index >= 0 && d.index < len(i.hits) {
		i.hits[d.index].Add(1)
	}
}

func fulfill(ctx context.Context, id fetch.RequestID, resp Response) error {
	headers := []*fetch.HeaderEntry{
		{Name: "Content-Type", Value: resp.ContentType},
		{Name: "Content-Length", Value: strconv.Itoa(len(resp.Body))},
		{Name: "Access-Control-Allow-Origin", Value: "*"},
	}
	for k, v := range resp.Headers {
		headers = append(headers, &fetch.HeaderEntry{Name: k, Value: v})
	}
	return fetch.FulfillRequest(id, int64(resp.Status)).
		WithResponseHeaders(headers).
		WithBody(base64.StdEncoding.EncodeToString(resp.Body)).
		Do(ctx)
}

// Stats returns a snapshot of the interception counters.
func (i *Interceptor) Stats() outcome.InterceptStats {
	s := outcome.InterceptStats{
		Fulfilled: i.fulfilled.Load(),
		Continued: i.continued.Load(),
		Failed:    i.failed.Load(),
		RuleHits:  make(map[string]uint64, len(i.hits)),
	}
	for idx, name := range i.rules.Names() {
		s.RuleHits[name] += i.hits[idx].Load()
	}
	return s
}

// Wait blocks until every in-progress request handler has returned.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}
