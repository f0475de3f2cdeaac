// internal/supervisor/process.go
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the supervised server.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// killWait bounds how long we wait for the process to be reaped after SIGKILL.
const killWait = 5 * time.Second

// ServerProcess is a running child process with its output captured.
type ServerProcess struct {
	cmd    *exec.Cmd
	logger *zap.Logger
	output *outputBuffer

	state   atomic.Int32
	exited  chan struct{}
	waitErr error
	pumps   errgroup.Group
}

// startProcess launches command and returns immediately. Output from both
// streams is pumped line by line into the capture buffer and the debug log.
func startProcess(command []string, dir string, env []string, outputLines int, logger *zap.Logger) (*ServerProcess, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	// Not CommandContext: the process must outlive a cancelled run context so
	// Stop can still shut it down gracefully.
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	configureProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("could not attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("could not attach stderr: %w", err)
	}

	p := &ServerProcess{
		cmd:    cmd,
		logger: logger,
		output: newOutputBuffer(outputLines),
		exited: make(chan struct{}),
	}
	p.state.Store(int32(StateStarting))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %q: %w", command[0], err)
	}
	p.logger = logger.With(zap.Int("pid", cmd.Process.Pid))

	p.pumps.Go(func() error { return p.pump("stdout", stdout) })
	p.pumps.Go(func() error { return p.pump("stderr", stderr) })

	go func() {
		// Pipes must be drained before Wait closes them.
		if err := p.pumps.Wait(); err != nil {
			p.logger.Debug("Output pump ended with error.", zap.Error(err))
		}
		p.waitErr = cmd.Wait()
		p.state.Store(int32(StateTerminated))
		close(p.exited)
	}()

	return p, nil
}

func (p *ServerProcess) pump(stream string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.output.add(stream, line)
		p.logger.Debug("Server output.", zap.String("stream", stream), zap.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe empty so the server never blocks writing to it.
		p.logger.Warn("Stopped capturing server output.", zap.String("stream", stream), zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// Pid returns the OS process id.
func (p *ServerProcess) Pid() int { return p.cmd.Process.Pid }

// State returns the current lifecycle state.
func (p *ServerProcess) State() State { return State(p.state.Load()) }

// Exited is closed once the process has been reaped.
func (p *ServerProcess) Exited() <-chan struct{} { return p.exited }

// ExitErr is the result of Wait. Only meaningful after Exited is closed.
func (p *ServerProcess) ExitErr() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// Output returns the captured output lines, oldest first.
func (p *ServerProcess) Output() []string { return p.output.lines() }

func (p *ServerProcess) markReady() {
	p.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
}

// terminate asks the process to exit, escalating to SIGKILL after grace.
func (p *ServerProcess) terminate(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := signalTerminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Could not send termination signal; killing.", zap.Error(err))
		return p.kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		p.logger.Warn("Server did not exit within grace period; killing.", zap.Duration("grace", grace))
	case <-ctx.Done():
		p.logger.Warn("Stop context ended before server exited; killing.", zap.Error(ctx.Err()))
	}
	return p.kill()
}

func (p *ServerProcess) kill() error {
	if err := signalKill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("could not kill server: %w", err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("server (pid %d) still running after kill", p.Pid())
	}
}

// outputBuffer keeps the last n lines written by the server.
type outputBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []string
	total int
}

func newOutputBuffer(max int) *outputBuffer {
	if max <= 0 {
		max = 200
	}
	return &outputBuffer{max: max}
}

func (b *outputBuffer) add(stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	entry := stream + ": " + line
	if len(b.buf) < b.max {
		b.buf = append(b.buf, entry)
		return
	}
	copy(b.buf, b.buf[1:])
	b.buf[len(b.buf)-1] = entry
}

func (b *outputBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.buf))
	copy(out, b.buf)
	return out
}
