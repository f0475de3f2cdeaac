// internal/report/report.go
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/outcome"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const screenshotTimeout = 10 * time.Second

// Screenshotter captures the current page to a file.
type Screenshotter interface {
	Screenshot(ctx context.Context, path string) error
}

// Emitter turns a finished run into log output, artifacts and an exit code.
type Emitter struct {
	cfg    config.ReportConfig
	logger *zap.Logger
}

// New creates an Emitter.
func New(cfg config.ReportConfig, logger *zap.Logger) *Emitter {
	return &Emitter{cfg: cfg, logger: logger.Named("report")}
}

// Screenshot captures the page to the configured path. It is best effort:
// failures are logged and an empty path is returned.
func (e *Emitter) Screenshot(ctx context.Context, s Screenshotter) string {
	if e.cfg.Screenshot == "" || s == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	if err := s.Screenshot(ctx, e.cfg.Screenshot); err != nil {
		e.logger.Warn("Could not capture screenshot.", zap.String("path", e.cfg.Screenshot), zap.Error(err))
		return ""
	}
	e.logger.Info("Screenshot saved.", zap.String("path", e.cfg.Screenshot))
	return e.cfg.Screenshot
}

// Finish logs the run summary, writes the JSON report and returns the
// process exit code.
func (e *Emitter) Finish(o *outcome.Outcome) int {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	if o.Kind == "" {
		o.Kind = outcome.KindSuccess
	}

	fields := []zap.Field{
		zap.String("run_id", o.RunID),
		zap.String("scenario", o.Scenario),
		zap.String("kind", string(o.Kind)),
		zap.Duration("duration", o.Duration()),
	}
	if o.Intercept != nil {
		fields = append(fields,
			zap.Uint64("mocked", o.Intercept.Fulfilled),
			zap.Uint64("passed_through", o.Intercept.Continued))
	}
	if o.AppLogLines > 0 {
		fields = append(fields, zap.Int("app_log_lines", o.AppLogLines))
	}
	for _, s := range o.Steps {
		e.logger.Debug("Step timing.", zap.String("step", s.Name), zap.Duration("took", s.Duration), zap.String("error", s.Err))
	}

	if o.Passed() {
		e.logger.Info("PASS.", fields...)
	} else {
		fields = append(fields, zap.String("step", o.FailedStep), zap.String("error", o.Message))
		e.logger.Error("FAIL.", fields...)
		for _, line := range o.ServerLog {
			e.logger.Info("server", zap.String("line", line))
		}
		for _, msg := range o.AppErrors {
			e.logger.Warn("Application logged an error.", zap.String("message", msg))
		}
		for _, msg := range o.ConsoleErrors {
			e.logger.Warn("Browser console error.", zap.String("message", msg))
		}
	}

	if path := e.cfg.JSONReport; path != "" {
		if err := WriteJSON(path, o); err != nil {
			e.logger.Error("Could not write JSON report.", zap.String("path", path), zap.Error(err))
		} else {
			e.logger.Info("Report written.", zap.String("path", path))
		}
	}
	return o.ExitCode()
}

// WriteJSON writes o as indented JSON to path, creating parent directories.
func WriteJSON(path string, o *outcome.Outcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
