// internal/harness/harness.go
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/persistcheck/internal/browser"
	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/intercept"
	"github.com/xkilldash9x/persistcheck/internal/outcome"
	"github.com/xkilldash9x/persistcheck/internal/report"
	"github.com/xkilldash9x/persistcheck/internal/scenario"
	"github.com/xkilldash9x/persistcheck/internal/supervisor"
)

// Extra time allowed for cleanup on top of the server's grace period.
const cleanupSlack = 10 * time.Second

// Server is the process lifecycle the harness needs.
type Server interface {
	ResetState()
	Start(ctx context.Context) (*supervisor.ServerProcess, error)
	AwaitReady(ctx context.Context) error
	Stop(ctx context.Context) error
	Output() []string
}

// Browser is a page the scenarios can drive plus its lifecycle.
type Browser interface {
	scenario.Page
	report.Screenshotter
	Install(ctx context.Context, in browser.Installer) error
	ConsoleErrors() []string
	Close(ctx context.Context) error
}

var (
	_ Server  = (*supervisor.Supervisor)(nil)
	_ Browser = (*browser.Session)(nil)
)

// ServerFactory builds the Server for a run.
type ServerFactory func(cfg config.ServerConfig, logger *zap.Logger) Server

// BrowserFactory opens the Browser for a run.
type BrowserFactory func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Browser, error)

// Option customises a Harness.
type Option func(*Harness)

// WithServerFactory replaces how the server is created.
func WithServerFactory(f ServerFactory) Option {
	return func(h *Harness) { h.newServer = f }
}

// WithBrowserFactory replaces how the browser is opened.
func WithBrowserFactory(f BrowserFactory) Option {
	return func(h *Harness) { h.openBrowser = f }
}

func newSupervisor(cfg config.ServerConfig, logger *zap.Logger) Server {
	return supervisor.New(cfg, logger)
}

func openSession(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Browser, error) {
	s, err := browser.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Harness wires the components together for a single run.
type Harness struct {
	cfg         *config.Config
	logger      *zap.Logger
	newServer   ServerFactory
	openBrowser BrowserFactory
	emitter     *report.Emitter
}

// New creates a Harness for cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Harness {
	h := &Harness{
		cfg:         cfg,
		logger:      logger,
		newServer:   newSupervisor,
		openBrowser: openSession,
		emitter:     report.New(cfg.Report, logger),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes the configured scenario once and returns its outcome. The
// browser is closed and the server stopped on every path, including panics
// and cancellation of ctx.
func (h *Harness) Run(ctx context.Context) *outcome.Outcome {
	o := &outcome.Outcome{
		RunID:     uuid.NewString(),
		Scenario:  h.cfg.Scenario.Name,
		Kind:      outcome.KindSuccess,
		StartedAt: time.Now(),
	}
	logger := h.logger.With(zap.String("run_id", o.RunID))
	logger.Info("Starting run.", zap.String("scenario", o.Scenario), zap.String("base_url", h.cfg.Server.BaseURL))

	h.execute(ctx, o, logger)

	o.FinishedAt = time.Now()
	return o
}

// RunAndReport runs the scenario and hands the outcome to the report
// emitter, returning the process exit code.
func (h *Harness) RunAndReport(ctx context.Context) (*outcome.Outcome, int) {
	o := h.Run(ctx)
	return o, h.emitter.Finish(o)
}

func (h *Harness) execute(ctx context.Context, o *outcome.Outcome, logger *zap.Logger) {
	// Registered first so it runs after every cleanup below.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Run panicked.", zap.Any("panic", r), zap.Stack("stack"))
			o.Fail(fmt.Errorf("panic: %v", r))
		}
	}()

	cleanupCtx := browser.Detach(ctx)

	srv := h.newServer(h.cfg.Server, logger)
	srv.ResetState()

	if path := h.cfg.Server.AppLogPath(time.Now()); path != "" {
		follower, err := supervisor.FollowAppLog(path, logger)
		if err != nil {
			logger.Warn("Not following application log.", zap.Error(err))
		} else {
			defer func() {
				follower.Stop()
				o.AppErrors = follower.Errors()
				o.AppLogLines = follower.Lines()
			}()
		}
	}

	defer h.stopServer(cleanupCtx, srv, o, logger)
	if _, err := srv.Start(ctx); err != nil {
		o.Fail(interrupted(ctx, err))
		return
	}
	if err := srv.AwaitReady(ctx); err != nil {
		o.Fail(interrupted(ctx, err))
		return
	}

	bcfg := h.cfg.Browser
	if h.cfg.Scenario.Name == config.ScenarioLayout {
		bcfg.Viewport = h.cfg.Scenario.MobileViewport
	}
	b, err := h.openBrowser(ctx, bcfg, logger)
	if err != nil {
		o.Fail(interrupted(ctx, err))
		return
	}

	rules, err := intercept.FromConfig(h.cfg.Mocks)
	if err != nil {
		_ = b.Close(cleanupCtx)
		o.Fail(outcome.Startup("build mocks", err))
		return
	}
	icpt := intercept.New(rules, logger)
	defer h.closeBrowser(cleanupCtx, b, icpt, o, logger)

	if err := b.Install(ctx, icpt); err != nil {
		o.Fail(interrupted(ctx, err))
		return
	}

	runner := scenario.NewRunner(b, h.cfg.Scenario, h.cfg.Server.BaseURL, logger)
	defer func() { o.Steps = runner.Steps() }()

	if err := runner.Run(ctx); err != nil {
		o.Fail(interrupted(ctx, err))
	}
}

// closeBrowser takes the screenshot while the page still exists, then
// closes the browser and records what the interceptor did.
func (h *Harness) closeBrowser(ctx context.Context, b Browser, icpt *intercept.Interceptor, o *outcome.Outcome, logger *zap.Logger) {
	o.Screenshot = h.emitter.Screenshot(ctx, b)
	o.ConsoleErrors = b.ConsoleErrors()

	closeCtx, cancel := context.WithTimeout(ctx, cleanupSlack)
	defer cancel()
	if err := b.Close(closeCtx); err != nil {
		logger.Warn("Browser did not close cleanly.", zap.Error(err))
	}
	icpt.Wait()
	stats := icpt.Stats()
	o.Intercept = &stats
}

func (h *Harness) stopServer(ctx context.Context, srv Server, o *outcome.Outcome, logger *zap.Logger) {
	stopCtx, cancel := context.WithTimeout(ctx, h.cfg.Server.StopGracePeriod+cleanupSlack)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("Server did not stop cleanly.", zap.Error(err))
	}
	o.ServerLog = srv.Output()
}

// interrupted marks failures caused by cancellation of the run itself.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil && outcome.Classify(err) == outcome.KindUnexpectedException {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return err
}
