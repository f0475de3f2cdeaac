package scenario_test

import (
	"context"
	"fmt"
	"sync"
)

// fakePage is an in-memory chat front end. A sent message gets its reply
// after replyDelay probes, and Reload keeps or drops the history depending
// on persist.
type fakePage struct {
	mu sync.Mutex

	personas      []string
	selected      string
	input         string
	checked       bool
	chat          []string
	replies       []string
	pending       int
	replyDelay    int
	neverReply    bool
	persist       bool
	duplicate     bool
	hiddenProbes  int
	probeErrUntil int
	probes        int

	navigated []string
	scripts   []string
	reloads   int
	fail      map[string]error
}

func newFakePage() *fakePage {
	return &fakePage{
		personas:   []string{"Alice", "Lina (voisine)"},
		persist:    true,
		replyDelay: 2,
		fail:       map[string]error{},
	}
}

func (p *fakePage) failure(op string) error {
	return p.fail[op]
}

// probe advances the simulated exchange by one tick.
func (p *fakePage) probe() error {
	p.probes++
	if p.probes <= p.probeErrUntil {
		return fmt.Errorf("execution context was destroyed")
	}
	if p.pending > 0 && !p.neverReply {
		p.pending--
		if p.pending == 0 {
			p.replies = append(p.replies, "Bonjour !")
		}
	}
	return nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("navigate"); err != nil {
		return err
	}
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) Reload(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("reload"); err != nil {
		return err
	}
	p.reloads++
	p.selected = ""
	p.pending = 0
	switch {
	case !p.persist:
		p.chat, p.replies = nil, nil
	case p.duplicate:
		p.chat = append(p.chat, p.chat...)
	}
	return nil
}

func (p *fakePage) InjectOnNewDocument(_ context.Context, script string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("inject"); err != nil {
		return err
	}
	p.scripts = append(p.scripts, script)
	return nil
}

func (p *fakePage) Fill(_ context.Context, _, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("fill"); err != nil {
		return err
	}
	p.input = text
	return nil
}

func (p *fakePage) Click(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("click"); err != nil {
		return err
	}
	p.chat = append(p.chat, p.input)
	p.input = ""
	p.pending = p.replyDelay
	if p.replyDelay == 0 {
		p.replies = append(p.replies, "Bonjour !")
	}
	return nil
}

func (p *fakePage) SetChecked(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("check"); err != nil {
		return err
	}
	p.checked = true
	return nil
}

func (p *fakePage) SelectByLabel(_ context.Context, _, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.personas {
		if l == label {
			p.selected = label
			return nil
		}
	}
	return fmt.Errorf("no option labelled %q", label)
}

// setPersonas replaces the option list, as the app does once its persona
// request completes.
func (p *fakePage) setPersonas(labels ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.personas = labels
}

func (p *fakePage) OptionLabels(context.Context, string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.personas...), nil
}

func (p *fakePage) IsVisible(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.probe(); err != nil {
		return false, err
	}
	if p.hiddenProbes > 0 {
		p.hiddenProbes--
		return false, nil
	}
	return true, nil
}

func (p *fakePage) IsEnabled(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.probe(); err != nil {
		return false, err
	}
	return p.pending == 0, nil
}

func (p *fakePage) Count(context.Context, string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.probe(); err != nil {
		return 0, err
	}
	return len(p.replies), nil
}

func (p *fakePage) LastText(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return "", nil
	}
	return p.replies[len(p.replies)-1], nil
}

func (p *fakePage) TextCount(_ context.Context, _, text string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.probe(); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range p.chat {
		if m == text {
			n++
		}
	}
	return n, nil
}
