// internal/scenario/runner.go
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/outcome"
	"github.com/xkilldash9x/persistcheck/internal/poll"
)

// appModeKey is the localStorage flag the front end reads to pick its mode.
const appModeKey = "appModeOverride"

// ErrAlreadyRan is returned when a Runner is asked to run a second time.
var ErrAlreadyRan = errors.New("scenario already executed")

// Runner drives one scenario against a page. Each step waits for its
// completion signal before the next one is issued.
type Runner struct {
	page    Page
	cfg     config.ScenarioConfig
	sel     config.SelectorConfig
	baseURL string
	logger  *zap.Logger
	now     func() time.Time

	ran           bool
	persona       string
	repliesBefore int
	sent          string
	steps         []outcome.StepTiming
}

// NewRunner creates a Runner for cfg against page.
func NewRunner(page Page, cfg config.ScenarioConfig, baseURL string, logger *zap.Logger) *Runner {
	return &Runner{
		page:    page,
		cfg:     cfg,
		sel:     cfg.Selectors,
		baseURL: baseURL,
		logger:  logger.Named("scenario").With(zap.String("scenario", cfg.Name)),
		now:     time.Now,
	}
}

// Steps returns the timings of the steps executed so far.
func (r *Runner) Steps() []outcome.StepTiming {
	out := make([]outcome.StepTiming, len(r.steps))
	copy(out, r.steps)
	return out
}

// Persona returns the persona label the run resolved to.
func (r *Runner) Persona() string { return r.persona }

// Run executes the configured scenario. A Runner runs at most once.
func (r *Runner) Run(ctx context.Context) error {
	if r.ran {
		return ErrAlreadyRan
	}
	r.ran = true

	switch r.cfg.Name {
	case config.ScenarioLayout:
		return r.runLayout(ctx)
	case config.ScenarioPersistence, "":
		return r.runPersistence(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", r.cfg.Name)
	}
}

func (r *Runner) runPersistence(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"navigate", func(ctx context.Context) error { return r.page.Navigate(ctx, r.baseURL) }},
		{"force app mode", func(ctx context.Context) error { return r.ForceAppMode(ctx, r.cfg.AppMode) }},
		{"select persona", func(ctx context.Context) error {
			_, err := r.SelectPersona(ctx, r.cfg.Persona)
			return err
		}},
		{"send message", func(ctx context.Context) error { return r.SendMessage(ctx, r.cfg.Message) }},
		{"await reply", r.AwaitReply},
		{"reload", r.page.Reload},
		{"reselect persona", func(ctx context.Context) error {
			_, err := r.SelectPersona(ctx, r.persona)
			return err
		}},
		{"verify persistence", func(ctx context.Context) error { return r.VerifyPersisted(ctx, r.cfg.Message) }},
	}
	for _, s := range steps {
		if err := r.step(ctx, s.name, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runLayout(ctx context.Context) error {
	if err := r.step(ctx, "navigate", func(ctx context.Context) error { return r.page.Navigate(ctx, r.baseURL) }); err != nil {
		return err
	}
	return r.step(ctx, "toggle mode", r.ToggleMode)
}

// step times fn and tags any failure with the step name, keeping its kind.
func (r *Runner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	log := r.logger.With(zap.String("step", name))
	log.Debug("Step started.")

	start := r.now()
	err := fn(ctx)
	timing := outcome.StepTiming{Name: name, Duration: r.now().Sub(start)}

	if err != nil {
		err = tag(ctx, name, err)
		timing.Err = err.Error()
		log.Warn("Step failed.", zap.Duration("took", timing.Duration), zap.Error(err))
	} else {
		log.Info("Step completed.", zap.Duration("took", timing.Duration))
	}
	r.steps = append(r.steps, timing)
	return err
}

func tag(ctx context.Context, name string, err error) error {
	// Interruption is not a scenario failure.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var oe *outcome.Error
	if errors.As(err, &oe) {
		return outcome.New(oe.Kind, name, oe.Err)
	}
	return outcome.Interaction(name, err)
}

func (r *Runner) waitFor(ctx context.Context, name string, cond poll.Condition, timeout time.Duration) error {
	return poll.WaitFor(ctx, name, cond, timeout, r.cfg.PollInterval)
}

// SelectPersona waits until the persona list is shown and offers label,
// then picks it. The label config.PersonaFirst resolves to whichever persona
// is listed first. It returns the label actually selected.
func (r *Runner) SelectPersona(ctx context.Context, label string) (string, error) {
	want := label
	if want == config.PersonaFirst {
		want = ""
	}

	// The options are filled in asynchronously after the select renders.
	var seen []string
	cond := poll.All(
		Visible(r.page, r.sel.PersonaSelect),
		HasOption(r.page, r.sel.PersonaSelect, want, &seen),
	)
	if err := r.waitFor(ctx, "persona list", cond, r.cfg.VisibleTimeout); err != nil {
		if outcome.Classify(err) != outcome.KindAssertionTimeout || seen == nil {
			return "", err
		}
		if want == "" {
			return "", outcome.Timeout("persona list", fmt.Errorf("%q has no options: %w", r.sel.PersonaSelect, errors.Unwrap(err)))
		}
		return "", outcome.Timeout("persona list", fmt.Errorf("no persona %q among %q: %w", want, seen, errors.Unwrap(err)))
	}

	picked := pickOption(seen, want)
	if err := r.page.SelectByLabel(ctx, r.sel.PersonaSelect, picked); err != nil {
		return "", err
	}
	r.persona = picked
	r.logger.Debug("Persona selected.", zap.String("persona", picked))
	return picked, nil
}

// SendMessage types text and presses send. It returns as soon as the click
// is dispatched; AwaitReply waits for the exchange to finish.
func (r *Runner) SendMessage(ctx context.Context, text string) error {
	if text == "" {
		return outcome.Interaction("send message", errors.New("message text is empty"))
	}
	if r.cfg.Completion != config.CompletionSendEnabled {
		n, err := r.page.Count(ctx, r.sel.AssistantText)
		if err != nil {
			return outcome.Interaction("count replies", err)
		}
		r.repliesBefore = n
	}
	if err := r.page.Fill(ctx, r.sel.MessageInput, text); err != nil {
		return err
	}
	if err := r.page.Click(ctx, r.sel.SendButton); err != nil {
		return err
	}
	r.sent = text
	return nil
}

// AwaitReply polls the configured completion signal.
func (r *Runner) AwaitReply(ctx context.Context) error {
	var cond poll.Condition
	switch r.cfg.Completion {
	case config.CompletionSendEnabled:
		// The app renders the user message and disables send in the same
		// tick, so "message shown and send enabled" only holds after the
		// exchange has finished.
		cond = poll.All(
			TextCountIn(r.page, r.sel.ChatBox, r.sent, 1, nil),
			Enabled(r.page, r.sel.SendButton),
		)
	default:
		cond = NonEmptyTextAfter(r.page, r.sel.AssistantText, r.repliesBefore)
	}
	return r.waitFor(ctx, "assistant reply", cond, r.cfg.ReplyTimeout)
}

// ForceAppMode registers mode as the front end's override flag for every
// document the tab loads from now on, then reloads so the app boots in that
// mode. An empty mode leaves the page alone.
func (r *Runner) ForceAppMode(ctx context.Context, mode string) error {
	if mode == "" {
		return nil
	}
	key, err := jsoniter.MarshalToString(appModeKey)
	if err != nil {
		return err
	}
	val, err := jsoniter.MarshalToString(mode)
	if err != nil {
		return err
	}
	// Opaque origins such as about:blank frames have no localStorage.
	script := fmt.Sprintf("try { localStorage.setItem(%s, %s) } catch (e) {}", key, val)
	if err := r.page.InjectOnNewDocument(ctx, script); err != nil {
		return outcome.Interaction("set app mode", err)
	}
	return r.page.Reload(ctx)
}

// ToggleMode switches the app to production mode with its toggle and then
// waits a fixed settle delay; the UI exposes no completion signal for it.
func (r *Runner) ToggleMode(ctx context.Context) error {
	if err := r.page.SetChecked(ctx, r.sel.ModeToggle); err != nil {
		return err
	}
	return poll.Sleep(ctx, r.cfg.SettleDelay)
}

// VerifyPersisted waits until text is shown exactly once in the chat box.
// Zero means the message was lost, more than one means it was duplicated.
func (r *Runner) VerifyPersisted(ctx context.Context, text string) error {
	seen := -1
	err := r.waitFor(ctx, "message persisted", TextCountIn(r.page, r.sel.ChatBox, text, 1, &seen), r.cfg.PersistTimeout)
	if err == nil || outcome.Classify(err) != outcome.KindAssertionTimeout || seen < 0 {
		return err
	}
	switch {
	case seen == 0:
		return outcome.Timeout("message persisted", fmt.Errorf("message %q not found after reload: %w", text, errors.Unwrap(err)))
	default:
		return outcome.Timeout("message persisted", fmt.Errorf("message %q shown %d times after reload, want 1: %w", text, seen, errors.Unwrap(err)))
	}
}
