package scenario_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/outcome"
	"github.com/xkilldash9x/persistcheck/internal/scenario"
)

const message = "Ceci est un test de persistance."

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func scenarioConfig(name string) config.ScenarioConfig {
	return config.ScenarioConfig{
		Name:           name,
		Persona:        "Lina (voisine)",
		Message:        message,
		AppMode:        "dev",
		Completion:     config.CompletionAssistantText,
		VisibleTimeout: 200 * time.Millisecond,
		ReplyTimeout:   200 * time.Millisecond,
		PersistTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		SettleDelay:    5 * time.Millisecond,
		Selectors: config.SelectorConfig{
			PersonaSelect: "#personaSelect",
			MessageInput:  "#msgInput",
			SendButton:    "#sendBtn",
			AssistantText: ".assistant-message .chat-text",
			ChatBox:       "#chatBox",
			ModeToggle:    "#appModeToggle",
		},
	}
}

func stepNames(steps []outcome.StepTiming) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func TestPersistence_Passes(t *testing.T) {
	page := newFakePage()
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://localhost:8080", zaptest.NewLogger(t))

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{
		"navigate", "force app mode", "select persona", "send message",
		"await reply", "reload", "reselect persona", "verify persistence",
	}, stepNames(r.Steps()))
	assert.Equal(t, []string{"http://localhost:8080"}, page.navigated)
	assert.Equal(t, []string{`try { localStorage.setItem("appModeOverride", "dev") } catch (e) {}`}, page.scripts)
	assert.Equal(t, 2, page.reloads, "one reload to apply the mode, one to prove persistence")
	assert.Equal(t, "Lina (voisine)", page.selected, "persona is re-selected after reload")
	assert.Equal(t, "Lina (voisine)", r.Persona())
	for _, s := range r.Steps() {
		assert.Empty(t, s.Err)
	}
}

func TestPersistence_MessageLost(t *testing.T) {
	page := newFakePage()
	page.persist = false
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, outcome.KindAssertionTimeout, outcome.Classify(err))
	assert.Equal(t, "verify persistence", outcome.StepOf(err))
	assert.Contains(t, err.Error(), "not found after reload")
}

func TestPersistence_MessageDuplicated(t *testing.T) {
	page := newFakePage()
	page.duplicate = true
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, outcome.KindAssertionTimeout, outcome.Classify(err))
	assert.Contains(t, err.Error(), "shown 2 times")
}

func TestPersistence_ReplyNeverArrives(t *testing.T) {
	page := newFakePage()
	page.neverReply = true
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindAssertionTimeout, outcome.Classify(err))
	assert.Equal(t, "await reply", outcome.StepOf(err))
	assert.Equal(t, 1, page.reloads, "no step runs after the reply wait fails")

	steps := r.Steps()
	require.Len(t, steps, 5)
	assert.NotEmpty(t, steps[4].Err)
}

func TestPersistence_ClickFails(t *testing.T) {
	page := newFakePage()
	page.fail["click"] = outcome.Interaction("click", errors.New("node detached"))
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindInteractionFailure, outcome.Classify(err))
	assert.Equal(t, "send message", outcome.StepOf(err))
	assert.Contains(t, err.Error(), "node detached")
}

func TestPersistence_NavigationFailureKeepsKind(t *testing.T) {
	page := newFakePage()
	page.fail["navigate"] = outcome.Navigation("navigate", errors.New("net::ERR_CONNECTION_REFUSED"))
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindNavigationFailure, outcome.Classify(err))
	assert.Equal(t, "navigate", outcome.StepOf(err))
}

func TestPersistence_UntypedErrorIsInteraction(t *testing.T) {
	page := newFakePage()
	page.fail["inject"] = errors.New("target closed")
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindInteractionFailure, outcome.Classify(err))
	assert.Equal(t, "force app mode", outcome.StepOf(err))
}

func TestPersistence_PersonaListSlowToAppear(t *testing.T) {
	page := newFakePage()
	page.hiddenProbes = 3
	page.probeErrUntil = 1
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))
	assert.NoError(t, r.Run(context.Background()))
}

func TestPersistence_PersonaNeverVisible(t *testing.T) {
	page := newFakePage()
	page.hiddenProbes = 1 << 20
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindAssertionTimeout, outcome.Classify(err))
	assert.Equal(t, "select persona", outcome.StepOf(err))
}

func TestPersistence_UnknownPersona(t *testing.T) {
	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.Persona = "Nobody"
	r := scenario.NewRunner(newFakePage(), cfg, "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindAssertionTimeout, outcome.Classify(err))
	assert.Equal(t, "select persona", outcome.StepOf(err))
	assert.Contains(t, err.Error(), `no persona "Nobody"`)
}

func TestPersistence_PersonaOptionsLoadLate(t *testing.T) {
	page := newFakePage()
	page.personas = nil
	loaded := make(chan struct{})
	time.AfterFunc(30*time.Millisecond, func() {
		page.setPersonas("Alice", "Lina (voisine)")
		close(loaded)
	})

	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.VisibleTimeout = 2 * time.Second
	r := scenario.NewRunner(page, cfg, "http://app", zaptest.NewLogger(t))

	require.NoError(t, r.Run(context.Background()))
	<-loaded
	assert.Equal(t, "Lina (voisine)", r.Persona())
}

func TestPersistence_FirstPersona(t *testing.T) {
	page := newFakePage()
	page.personas = []string{" ", "Marc", "Lina (voisine)"}
	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.Persona = config.PersonaFirst
	r := scenario.NewRunner(page, cfg, "http://app", zaptest.NewLogger(t))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, "Marc", r.Persona())
	assert.Equal(t, "Marc", page.selected)
}

func TestPersistence_NoPersonas(t *testing.T) {
	page := newFakePage()
	page.personas = nil
	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.Persona = config.PersonaFirst
	r := scenario.NewRunner(page, cfg, "http://app", zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.Equal(t, outcome.KindAssertionTimeout, outcome.Classify(err))
	assert.Contains(t, err.Error(), "has no options")
}

func TestPersistence_SendEnabledCompletion(t *testing.T) {
	page := newFakePage()
	page.replyDelay = 4
	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.Completion = config.CompletionSendEnabled
	r := scenario.NewRunner(page, cfg, "http://app", zaptest.NewLogger(t))

	require.NoError(t, r.Run(context.Background()))
}

func TestPersistence_SkipsAppModeWhenEmpty(t *testing.T) {
	page := newFakePage()
	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.AppMode = ""
	r := scenario.NewRunner(page, cfg, "http://app", zaptest.NewLogger(t))

	require.NoError(t, r.Run(context.Background()))
	assert.Empty(t, page.scripts)
	assert.Equal(t, 1, page.reloads)
}

func TestPersistence_CancellationPassesThrough(t *testing.T) {
	page := newFakePage()
	page.neverReply = true
	cfg := scenarioConfig(config.ScenarioPersistence)
	cfg.ReplyTimeout = time.Minute
	r := scenario.NewRunner(page, cfg, "http://app", zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, outcome.KindUnexpectedException, outcome.Classify(err))
}

func TestLayout(t *testing.T) {
	page := newFakePage()
	r := scenario.NewRunner(page, scenarioConfig(config.ScenarioLayout), "http://app", zaptest.NewLogger(t))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"navigate", "toggle mode"}, stepNames(r.Steps()))
	assert.True(t, page.checked)
	assert.Empty(t, page.chat)
}

func TestRunner_RunsOnce(t *testing.T) {
	r := scenario.NewRunner(newFakePage(), scenarioConfig(config.ScenarioLayout), "http://app", zaptest.NewLogger(t))
	require.NoError(t, r.Run(context.Background()))
	assert.ErrorIs(t, r.Run(context.Background()), scenario.ErrAlreadyRan)
}

func TestRunner_UnknownScenario(t *testing.T) {
	r := scenario.NewRunner(newFakePage(), scenarioConfig("bogus"), "http://app", zaptest.NewLogger(t))
	assert.Error(t, r.Run(context.Background()))
}

func TestSendMessage_RejectsEmptyText(t *testing.T) {
	r := scenario.NewRunner(newFakePage(), scenarioConfig(config.ScenarioPersistence), "http://app", zaptest.NewLogger(t))
	err := r.SendMessage(context.Background(), "")
	assert.Equal(t, outcome.KindInteractionFailure, outcome.Classify(err))
}
