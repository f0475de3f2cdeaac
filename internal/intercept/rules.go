// internal/intercept/rules.go
package intercept

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/persistcheck/internal/config"
)

const contentTypeJSON = "application/json"

// Matcher decides whether a request URL is handled by a rule.
type Matcher interface {
	Match(url string) bool
	String() string
}

type containsMatcher string

func (c containsMatcher) Match(url string) bool { return strings.Contains(url, string(c)) }
func (c containsMatcher) String() string        { return "contains:" + string(c) }

// Contains matches any URL that has substr anywhere in it, query included.
func Contains(substr string) Matcher { return containsMatcher(substr) }

type globMatcher struct {
	pattern string
	g       glob.Glob
}

func (m globMatcher) Match(url string) bool { return m.g.Match(url) }
func (m globMatcher) String() string        { return "glob:" + m.pattern }

// Glob matches the whole URL against pattern. '*' spans path separators.
func Glob(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return globMatcher{pattern: pattern, g: g}, nil
}

// Response is a canned reply served in place of the real backend.
type Response struct {
	Status      int
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// Rule pairs a matcher with the response it serves.
type Rule struct {
	Name     string
	Matcher  Matcher
	Response Response
}

// RuleSet is an ordered, immutable list of rules. The first match wins.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet copies rules into a RuleSet.
func NewRuleSet(rules ...Rule) *RuleSet {
	rs := &RuleSet{rules: make([]Rule, len(rules))}
	copy(rs.rules, rules)
	return rs
}

// Match returns the first rule whose matcher accepts url and its position.
func (rs *RuleSet) Match(url string) (Rule, int, bool) {
	if rs == nil {
		return Rule{}, -1, false
	}
	for i, r := range rs.rules {
		if r.Matcher.Match(url) {
			return r, i, true
		}
	}
	return Rule{}, -1, false
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Names lists rule names in order.
func (rs *RuleSet) Names() []string {
	names := make([]string, rs.Len())
	for i := range names {
		names[i] = rs.rules[i].Name
	}
	return names
}

func jsonResponse(v interface{}) (Response, error) {
	body, err := jsoniter.Marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: http.StatusOK, ContentType: contentTypeJSON, Body: body}, nil
}

// ModelListRule answers the model catalogue endpoint with a fixed list.
func ModelListRule(models []string) (Rule, error) {
	if models == nil {
		models = []string{}
	}
	resp, err := jsonResponse(models)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to encode model list: %w", err)
	}
	return Rule{Name: "models", Matcher: Contains("/api/models"), Response: resp}, nil
}

// embeddingReply mirrors the embedding endpoint's response shape.
type embeddingReply struct {
	Embedding []float64 `json:"embedding"`
}

// EmbeddingRule answers the embedding endpoint with a constant vector.
func EmbeddingRule(dims int, value float64) (Rule, error) {
	if dims < 0 {
		return Rule{}, fmt.Errorf("embedding dimensions must not be negative, got %d", dims)
	}
	vec := make([]float64, dims)
	for i := range vec {
		vec[i] = value
	}
	resp, err := jsonResponse(embeddingReply{Embedding: vec})
	if err != nil {
		return Rule{}, fmt.Errorf("failed to encode embedding: %w", err)
	}
	return Rule{Name: "embeddings", Matcher: Contains("/api/embeddings"), Response: resp}, nil
}

// FromConfig builds the built-in rules followed by any custom rules.
// Disabled mocks yield an empty set.
func FromConfig(cfg config.MocksConfig) (*RuleSet, error) {
	if !cfg.Enabled {
		return NewRuleSet(), nil
	}

	models, err := ModelListRule(cfg.Models)
	if err != nil {
		return nil, err
	}
	embeddings, err := EmbeddingRule(cfg.EmbeddingDimensions, cfg.EmbeddingValue)
	if err != nil {
		return nil, err
	}
	rules := []Rule{models, embeddings}

	for i, rc := range cfg.Rules {
		r, err := ruleFromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return NewRuleSet(rules...), nil
}

func ruleFromConfig(rc config.MockRuleConfig) (Rule, error) {
	var m Matcher
	switch rc.Match {
	case config.MatchGlob:
		var err error
		if m, err = Glob(rc.Pattern); err != nil {
			return Rule{}, err
		}
	case config.MatchContains, "":
		m = Contains(rc.Pattern)
	default:
		return Rule{}, fmt.Errorf("unknown match type %q", rc.Match)
	}

	status := rc.Status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := rc.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}
	name := rc.Name
	if name == "" {
		name = m.String()
	}
	return Rule{
		Name:     name,
		Matcher:  m,
		Response: Response{Status: status, ContentType: contentType, Body: []byte(rc.Body)},
	}, nil
}
