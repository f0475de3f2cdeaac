// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/outcome"
)

// Supervisor owns the one server process of a run.
type Supervisor struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	mu   sync.Mutex
	proc *ServerProcess

	stopOnce sync.Once
	stopErr  error
}

// New creates a supervisor for the configured server. Nothing is started yet.
func New(cfg config.ServerConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.Named("supervisor"),
	}
}

// ResetState deletes the configured state files so the run starts clean.
// Failures are logged, not returned: a stale file only weakens the check.
func (s *Supervisor) ResetState() {
	for _, path := range s.cfg.ResetPaths {
		if path == "" {
			continue
		}
		path = s.cfg.ResolvePath(path)
		err := os.Remove(path)
		switch {
		case err == nil:
			s.logger.Info("Removed previous application state.", zap.String("path", path))
		case errors.Is(err, os.ErrNotExist):
			s.logger.Debug("No previous application state to remove.", zap.String("path", path))
		default:
			s.logger.Warn("Could not remove previous application state.", zap.String("path", path), zap.Error(err))
		}
	}
}

// Start launches the server without waiting for it to be reachable.
func (s *Supervisor) Start(ctx context.Context) (*ServerProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return nil, errors.New("server already started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Info("Starting server.", zap.Strings("command", s.cfg.Command), zap.String("dir", s.cfg.Dir))
	proc, err := startProcess(s.cfg.Command, s.cfg.Dir, s.cfg.Env, s.cfg.OutputLines, s.logger)
	if err != nil {
		return nil, outcome.Startup("start server", err)
	}
	s.proc = proc
	s.logger.Info("Server process started.", zap.Int("pid", proc.Pid()))
	return proc, nil
}

// AwaitReady polls the base URL until the server answers, the process exits,
// or the ready timeout elapses.
func (s *Supervisor) AwaitReady(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return outcome.Startup("await ready", errors.New("server not started"))
	}

	started := time.Now()
	err := WaitReachable(ctx, s.cfg.BaseURL, s.cfg.ReadyTimeout, s.cfg.ReadyInterval, proc.Exited())
	if err != nil {
		if exitErr := proc.ExitErr(); exitErr != nil {
			err = fmt.Errorf("%w (exit: %v)", err, exitErr)
		}
		return outcome.Startup("await ready", err)
	}
	proc.markReady()
	s.logger.Info("Server is reachable.", zap.String("url", s.cfg.BaseURL), zap.Duration("after", time.Since(started)))
	return nil
}

// Stop terminates the server. Only the first call does anything; later calls
// return the first result. Safe to call when Start never ran or failed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc == nil {
			return
		}

		s.logger.Info("Stopping server.", zap.Int("pid", proc.Pid()))
		s.stopErr = proc.terminate(ctx, s.cfg.StopGracePeriod)

		lines := proc.Output()
		s.logger.Info("Server output.", zap.Int("lines", len(lines)), zap.Strings("output", lines))
		if s.stopErr != nil {
			s.logger.Error("Server did not stop cleanly.", zap.Error(s.stopErr))
		}
	})
	return s.stopErr
}

// Output returns the captured server output, or nil if nothing was started.
func (s *Supervisor) Output() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.Output()
}

// ErrExitedEarly is reported when the process dies before it is reachable.
var ErrExitedEarly = errors.New("server exited before becoming reachable")

// WaitReachable issues GET requests against url, paced at one per interval,
// until any HTTP response arrives. exited may be nil. When the next paced
// attempt would fall after the timeout, one last attempt is made as the
// timeout expires.
func WaitReachable(ctx context.Context, url string, timeout, interval time.Duration, exited <-chan struct{}) error {
	if _, err := http.NewRequest(http.MethodGet, url, nil); err != nil {
		return fmt.Errorf("invalid readiness url: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{
		Timeout: max(interval, time.Second),
		// A redirect is still proof of life.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	var lastErr error
	attempts := 0
	for {
		select {
		case <-exited:
			return ErrExitedEarly
		default:
		}

		if err := limiter.Wait(readyCtx); err != nil {
			if readyCtx.Err() != nil {
				return unreachable(ctx, url, attempts, lastErr)
			}
			// The next slot is past the deadline.
			select {
			case <-readyCtx.Done():
			case <-exited:
				return ErrExitedEarly
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			attempts++
			if lastErr = probe(ctx, client, url); lastErr == nil {
				return nil
			}
			return unreachable(ctx, url, attempts, lastErr)
		}
		attempts++

		if lastErr = probe(readyCtx, client, url); lastErr == nil {
			return nil
		}
		if readyCtx.Err() != nil {
			return unreachable(ctx, url, attempts, lastErr)
		}
	}
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func unreachable(parent context.Context, url string, attempts int, lastErr error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return fmt.Errorf("%s unreachable after %d attempts: %w", url, attempts, lastErr)
}
