// internal/browser/dom.go
package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/persistcheck/internal/outcome"
)

// Probe scripts. Each takes JSON encoded arguments, which are valid JS
// literals, so selectors and text never need manual escaping.
const (
	fillScript = `(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	el.focus();
	el.value = %s;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
})()`

	selectByLabelScript = `(() => {
	const el = document.querySelector(%s);
	if (!el || !el.options) return false;
	const want = %s;
	const opt = Array.from(el.options).find(o => o.label.trim() === want || o.text.trim() === want);
	if (!opt) return false;
	el.value = opt.value;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
})()`

	optionLabelsScript = `(() => {
	const el = document.querySelector(%s);
	if (!el || !el.options) return [];
	return Array.from(el.options).map(o => o.label.trim() || o.text.trim());
})()`

	isCheckedScript = `(() => {
	const el = document.querySelector(%s);
	return !!el && !!el.checked;
})()`

	isVisibleScript = `(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	const st = getComputedStyle(el);
	if (st.visibility === 'hidden' || st.display === 'none') return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
})()`

	isEnabledScript = `(() => {
	const el = document.querySelector(%s);
	return !!el && !el.disabled;
})()`

	countScript = `document.querySelectorAll(%s).length`

	lastTextScript = `(() => {
	const els = document.querySelectorAll(%s);
	if (!els.length) return "";
	return (els[els.length - 1].textContent || "").trim();
})()`

	// Counts visible text nodes inside the container whose whitespace
	// normalized content equals the wanted text.
	textCountScript = `(() => {
	const root = document.querySelector(%s);
	if (!root) return -1;
	const want = %s.replace(/\s+/g, ' ').trim();
	const walker = document.createTreeWalker(root, NodeFilter.SHOW_TEXT);
	let n = 0;
	for (let node = walker.nextNode(); node; node = walker.nextNode()) {
		if (node.data.replace(/\s+/g, ' ').trim() !== want) continue;
		const parent = node.parentElement;
		if (!parent) continue;
		const st = getComputedStyle(parent);
		if (st.visibility === 'hidden' || st.display === 'none') continue;
		n++;
	}
	return n;
})()`
)

// script formats a probe with JSON encoded arguments.
func script(format string, args ...interface{}) (string, error) {
	encoded := make([]interface{}, len(args))
	for i, a := range args {
		s, err := jsoniter.MarshalToString(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument: %w", err)
		}
		encoded[i] = s
	}
	return fmt.Sprintf(format, encoded...), nil
}

func (s *Session) eval(ctx context.Context, res interface{}, format string, args ...interface{}) error {
	js, err := script(format, args...)
	if err != nil {
		return err
	}
	return s.Evaluate(ctx, js, res)
}

// waitVisible waits for selector to match a visible node.
func (s *Session) waitVisible(ctx context.Context, selector string) error {
	return s.runActions(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Fill replaces the value of the input matching selector and fires the
// input and change events a user edit would.
func (s *Session) Fill(ctx context.Context, selector, text string) error {
	ctx, cancel := s.withActionTimeout(ctx)
	defer cancel()

	if err := s.waitVisible(ctx, selector); err != nil {
		return outcome.Interaction("fill", fmt.Errorf("input %q not visible: %w", selector, err))
	}
	var ok bool
	if err := s.eval(ctx, &ok, fillScript, selector, text); err != nil {
		return outcome.Interaction("fill", err)
	}
	if !ok {
		return outcome.Interaction("fill", fmt.Errorf("no element matches %q", selector))
	}
	return nil
}

// Click clicks the first visible node matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	ctx, cancel := s.withActionTimeout(ctx)
	defer cancel()

	if err := s.runActions(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return outcome.Interaction("click", fmt.Errorf("could not click %q: %w", selector, err))
	}
	return nil
}

// SetChecked clicks the checkbox matching selector unless it is already
// checked.
func (s *Session) SetChecked(ctx context.Context, selector string) error {
	ctx, cancel := s.withActionTimeout(ctx)
	defer cancel()

	if err := s.waitVisible(ctx, selector); err != nil {
		return outcome.Interaction("check", fmt.Errorf("toggle %q not visible: %w", selector, err))
	}
	var checked bool
	if err := s.eval(ctx, &checked, isCheckedScript, selector); err != nil {
		return outcome.Interaction("check", err)
	}
	if checked {
		s.logger.Debug("Already checked.", zap.String("selector", selector))
		return nil
	}
	if err := s.runActions(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return outcome.Interaction("check", fmt.Errorf("could not check %q: %w", selector, err))
	}
	if err := s.eval(ctx, &checked, isCheckedScript, selector); err != nil {
		return outcome.Interaction("check", err)
	}
	if !checked {
		return outcome.Interaction("check", fmt.Errorf("%q did not become checked", selector))
	}
	return nil
}

// SelectByLabel picks the option whose visible label equals label.
func (s *Session) SelectByLabel(ctx context.Context, selector, label string) error {
	ctx, cancel := s.withActionTimeout(ctx)
	defer cancel()

	var ok bool
	if err := s.eval(ctx, &ok, selectByLabelScript, selector, label); err != nil {
		return outcome.Interaction("select", err)
	}
	if !ok {
		return outcome.Interaction("select", fmt.Errorf("no option labelled %q in %q", label, selector))
	}
	return nil
}

// OptionLabels lists the option labels of the select matching selector.
func (s *Session) OptionLabels(ctx context.Context, selector string) ([]string, error) {
	var labels []string
	if err := s.eval(ctx, &labels, optionLabelsScript, selector); err != nil {
		return nil, err
	}
	return labels, nil
}

// IsVisible reports whether selector matches a rendered, non-hidden node.
func (s *Session) IsVisible(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := s.eval(ctx, &ok, isVisibleScript, selector)
	return ok, err
}

// IsEnabled reports whether the node matching selector exists and is not
// disabled.
func (s *Session) IsEnabled(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := s.eval(ctx, &ok, isEnabledScript, selector)
	return ok, err
}

// Count returns how many nodes match selector.
func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := s.eval(ctx, &n, countScript, selector)
	return n, err
}

// LastText returns the trimmed text of the last node matching selector, or
// "" when nothing matches.
func (s *Session) LastText(ctx context.Context, selector string) (string, error) {
	var text string
	err := s.eval(ctx, &text, lastTextScript, selector)
	return text, err
}

// TextCount returns how many visible text nodes inside container read
// exactly text. A missing container is an error.
func (s *Session) TextCount(ctx context.Context, container, text string) (int, error) {
	var n int
	if err := s.eval(ctx, &n, textCountScript, container, text); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("no element matches %q", container)
	}
	return n, nil
}
