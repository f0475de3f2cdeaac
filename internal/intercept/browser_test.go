package intercept_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/persistcheck/internal/browser"
	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/intercept"
)

const mockPage = `<!doctype html><html><body><div id="out"></div><script>
fetch('/api/models').then(r => r.json()).then(m => {
  document.getElementById('out').textContent = m.join(',');
});
</script></body></html>`

func TestInterceptor_ServesMocksInBrowser(t *testing.T) {
	if testing.Short() {
		t.Skip("browser tests skipped in short mode")
	}
	var chrome string
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			chrome = p
			break
		}
	}
	if chrome == "" {
		t.Skip("no Chrome or Chromium binary found")
	}

	var backendHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/models" {
			backendHits.Add(1)
			http.Error(w, "backend down", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(mockPage))
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := browser.Open(ctx, config.BrowserConfig{
		Headless:          true,
		ExecPath:          chrome,
		NavigationTimeout: 15 * time.Second,
		WaitUntil:         config.WaitUntilNetworkIdle,
		IdleQuietPeriod:   100 * time.Millisecond,
	}, logger)
	require.NoError(t, err)
	defer s.Close(context.Background())

	rules, err := intercept.FromConfig(config.MocksConfig{Enabled: true, Models: []string{"mock-model:latest"}})
	require.NoError(t, err)
	i := intercept.New(rules, logger)
	require.NoError(t, s.Install(ctx, i))

	require.NoError(t, s.Navigate(ctx, srv.URL))
	assert.Eventually(t, func() bool {
		text, err := s.LastText(ctx, "#out")
		return err == nil && text == "mock-model:latest"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
	i.Wait()

	stats := i.Stats()
	assert.Zero(t, backendHits.Load(), "mocked requests never reach the backend")
	assert.Equal(t, uint64(1), stats.RuleHits["models"])
	assert.GreaterOrEqual(t, stats.Continued, uint64(1), "the page itself passes through")
}
