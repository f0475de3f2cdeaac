// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/outcome"
)

const (
	launchTimeout        = 30 * time.Second
	defaultActionTimeout = 10 * time.Second
	defaultNavTimeout    = 15 * time.Second
	defaultQuietPeriod   = 500 * time.Millisecond
)

// Installer attaches behaviour to a tab before its first navigation. It
// receives the tab context, which lives as long as the session.
type Installer interface {
	Install(tabCtx context.Context) error
}

// Session is one headless browser with a single tab.
type Session struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	tracker *networkTracker

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// buildAllocatorOptions creates the Chrome flags for a test run.
func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
	)
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	// Containers and CI runners usually lack the namespaces the sandbox needs.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.NoSandbox,
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// Open launches Chrome, opens a tab sized to cfg.Viewport and starts
// tracking its network activity. Launch problems are StartupFailures.
func Open(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	logger = logger.Named("browser")

	// The browser lives until Close, not until ctx ends.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), buildAllocatorOptions(cfg)...)

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	ctxOpts = append(ctxOpts, chromedp.WithErrorf(logger.Sugar().Debugf))
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &Session{
		cfg:         cfg,
		logger:      logger,
		tracker:     newNetworkTracker(logger),
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
	}
	s.tracker.listen(tabCtx)

	setup := chromedp.Tasks{network.Enable()}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		setup = append(setup, chromedp.EmulateViewport(int64(cfg.Viewport.Width), int64(cfg.Viewport.Height)))
	}
	setup = append(setup, chromedp.Navigate("about:blank"))

	// The first Run allocates the browser, so it must use the tab context
	// itself. A derived context would tear Chrome down when it ended.
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, setup) }()

	timer := time.NewTimer(launchTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", launchTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close(context.Background())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, outcome.Startup("open browser", fmt.Errorf("failed to launch browser: %w", err))
	}

	logger.Info("Browser session started.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("width", cfg.Viewport.Width),
		zap.Int("height", cfg.Viewport.Height))
	return s, nil
}

// Context returns the tab context. It carries the chromedp target.
func (s *Session) Context() context.Context { return s.ctx }

// Install runs in against the tab.
func (s *Session) Install(ctx context.Context, in Installer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return in.Install(s.ctx)
}

// ConsoleErrors returns console errors and uncaught exceptions seen so far.
func (s *Session) ConsoleErrors() []string {
	return s.tracker.consoleErrors()
}

// Navigate loads url and waits for the configured readiness condition.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	return s.load(ctx, "navigate", chromedp.Navigate(url))
}

// Reload reloads the current document with the same readiness condition as
// Navigate.
func (s *Session) Reload(ctx context.Context) error {
	s.logger.Debug("Reloading page.")
	return s.load(ctx, "reload", chromedp.Reload())
}

func (s *Session) load(ctx context.Context, step string, action chromedp.Action) error {
	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	timeout := s.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavTimeout
	}
	navCtx, navCancel := context.WithTimeout(opCtx, timeout)
	defer navCancel()

	err := chromedp.Run(navCtx, action)
	if err == nil && s.cfg.WaitUntil == config.WaitUntilNetworkIdle {
		quiet := s.cfg.IdleQuietPeriod
		if quiet <= 0 {
			quiet = defaultQuietPeriod
		}
		err = s.tracker.waitIdle(navCtx, quiet)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return outcome.Navigation(step, fmt.Errorf("page not ready within %s: %w", timeout, err))
	}
	return outcome.Navigation(step, err)
}

// Evaluate runs script in the page and decodes its result into res, which
// may be nil.
func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(script, res))
}

// InjectOnNewDocument registers script to run before any page script in
// every subsequent document.
func (s *Session) InjectOnNewDocument(ctx context.Context, script string) error {
	var id page.ScriptIdentifier
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		id, err = page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		return err
	}))
	if err != nil {
		return fmt.Errorf("could not inject script: %w", err)
	}
	s.logger.Debug("Injected script for new documents.", zap.String("script_id", string(id)))
	return nil
}

// Screenshot writes a PNG of the current viewport to path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.runActions(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create screenshot directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

// Close shuts the tab and the browser. Only the first call does anything.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session.")
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(s.ctx) }()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = fmt.Errorf("failed to close browser cleanly: %w", err)
			}
		case <-ctx.Done():
			s.closeErr = ctx.Err()
		}
		s.cancel()
		s.allocCancel()
	})
	return s.closeErr
}

func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// withActionTimeout bounds a DOM interaction that may wait for its node.
func (s *Session) withActionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultActionTimeout)
}
