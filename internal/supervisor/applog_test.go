package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/persistcheck/internal/supervisor"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestAppLogFollower_CollectsNewErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLine(t, path, `{"timestamp":"2026-01-01T00:00:00Z","level":"error","message":"stale failure"}`)

	f, err := supervisor.FollowAppLog(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Stop()

	// Give the tailer a moment to open and seek to the end.
	time.Sleep(300 * time.Millisecond)

	appendLine(t, path, `{"timestamp":"2026-01-01T00:00:01Z","level":"info","message":"Message saved"}`)
	appendLine(t, path, `{"timestamp":"2026-01-01T00:00:02Z","level":"error","message":"Ollama unreachable"}`)
	appendLine(t, path, `plain text line`)

	assert.Eventually(t, func() bool { return f.Lines() >= 3 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"Ollama unreachable"}, f.Errors())
}

func TestAppLogFollower_FileCreatedLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")

	f, err := supervisor.FollowAppLog(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Stop()

	time.Sleep(300 * time.Millisecond)
	appendLine(t, path, `{"level":"error","message":"boot failed"}`)

	assert.Eventually(t, func() bool { return len(f.Errors()) == 1 }, 5*time.Second, 50*time.Millisecond)
}
