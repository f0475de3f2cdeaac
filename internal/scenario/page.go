// internal/scenario/page.go
package scenario

import (
	"context"
	"strings"

	"github.com/xkilldash9x/persistcheck/internal/poll"
)

// Page is the slice of a browser tab the scenarios drive.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	InjectOnNewDocument(ctx context.Context, script string) error

	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	SetChecked(ctx context.Context, selector string) error
	SelectByLabel(ctx context.Context, selector, label string) error
	OptionLabels(ctx context.Context, selector string) ([]string, error)

	IsVisible(ctx context.Context, selector string) (bool, error)
	IsEnabled(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	LastText(ctx context.Context, selector string) (string, error)
	TextCount(ctx context.Context, container, text string) (int, error)
}

// Visible holds once selector matches a rendered node.
func Visible(p Page, selector string) poll.Condition {
	return func(ctx context.Context) (bool, error) {
		return p.IsVisible(ctx, selector)
	}
}

// Enabled holds once selector matches a node that is not disabled.
func Enabled(p Page, selector string) poll.Condition {
	return func(ctx context.Context) (bool, error) {
		return p.IsEnabled(ctx, selector)
	}
}

// NonEmptyTextAfter holds once more than before nodes match selector and the
// last of them has text. Passing the count observed before an action makes
// earlier nodes irrelevant.
func NonEmptyTextAfter(p Page, selector string, before int) poll.Condition {
	return func(ctx context.Context) (bool, error) {
		n, err := p.Count(ctx, selector)
		if err != nil || n <= before {
			return false, err
		}
		text, err := p.LastText(ctx, selector)
		return text != "", err
	}
}

// TextCountIn holds once text appears exactly want times inside container.
// The last observed count is kept in *seen for diagnostics.
func TextCountIn(p Page, container, text string, want int, seen *int) poll.Condition {
	return func(ctx context.Context) (bool, error) {
		n, err := p.TextCount(ctx, container, text)
		if err != nil {
			return false, err
		}
		if seen != nil {
			*seen = n
		}
		return n == want, nil
	}
}

// HasOption holds once the select at selector offers label. An empty label
// accepts any non-blank option. The labels last read are kept in *seen.
func HasOption(p Page, selector, label string, seen *[]string) poll.Condition {
	return func(ctx context.Context) (bool, error) {
		labels, err := p.OptionLabels(ctx, selector)
		if err != nil {
			return false, err
		}
		if seen != nil {
			*seen = append([]string{}, labels...)
		}
		return pickOption(labels, label) != "", nil
	}
}

// pickOption returns the option matching label, or the first non-blank one
// when label is empty.
func pickOption(labels []string, label string) string {
	label = strings.TrimSpace(label)
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if label == "" || l == label {
			return l
		}
	}
	return ""
}
