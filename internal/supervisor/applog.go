// internal/supervisor/applog.go
package supervisor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// maxAppErrors caps how many application error entries are kept.
const maxAppErrors = 50

// appLogEntry is one JSON line written by the application's logger.
type appLogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// AppLogFollower tails the application's own log file while the scenario runs
// and keeps the error entries for the report.
type AppLogFollower struct {
	path   string
	logger *zap.Logger
	t      *tail.Tail
	done   chan struct{}

	mu     sync.Mutex
	errors []string
	lines  int
}

// FollowAppLog starts tailing path from its current end. The file does not
// need to exist yet; the server usually creates it on startup, in which case
// it is read from the beginning.
func FollowAppLog(path string, logger *zap.Logger) (*AppLogFollower, error) {
	var location *tail.SeekInfo
	if _, err := os.Stat(path); err == nil {
		location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  location,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail application log %s: %w", path, err)
	}

	f := &AppLogFollower{
		path:   path,
		logger: logger.Named("applog").With(zap.String("path", path)),
		t:      t,
		done:   make(chan struct{}),
	}
	go f.loop()
	f.logger.Debug("Following application log.")
	return f, nil
}

// loop drains Lines until the tailer closes it. The tailer blocks on send,
// so the loop must keep reading until Stop has taken effect.
func (f *AppLogFollower) loop() {
	defer close(f.done)
	for line := range f.t.Lines {
		if line.Err != nil {
			f.logger.Debug("Error reading application log.", zap.Error(line.Err))
			continue
		}
		f.handle(line.Text)
	}
}

func (f *AppLogFollower) handle(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	var entry appLogEntry
	if err := jsoniter.UnmarshalFromString(text, &entry); err != nil || entry.Level == "" {
		f.record(false, text)
		f.logger.Debug("Application log.", zap.String("line", text))
		return
	}

	isError := strings.EqualFold(entry.Level, "error")
	f.record(isError, entry.Message)
	f.logger.Debug("Application log.",
		zap.String("app_level", entry.Level),
		zap.String("app_msg", entry.Message),
		zap.String("app_ts", entry.Timestamp))
}

func (f *AppLogFollower) record(isError bool, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines++
	if isError && len(f.errors) < maxAppErrors {
		f.errors = append(f.errors, msg)
	}
}

// Errors returns the error-level messages seen so far.
func (f *AppLogFollower) Errors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.errors))
	copy(out, f.errors)
	return out
}

// Lines returns how many non-empty lines were read.
func (f *AppLogFollower) Lines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines
}

// Stop ends tailing and waits for the reader goroutine to exit.
func (f *AppLogFollower) Stop() {
	if err := f.t.Stop(); err != nil {
		f.logger.Debug("Tailer stopped with error.", zap.Error(err))
	}
	f.t.Cleanup()
	<-f.done
}
