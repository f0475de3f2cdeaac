// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Scenario names understood by the harness.
const (
	ScenarioPersistence = "persistence"
	ScenarioLayout      = "layout"
)

// Completion strategies for detecting that a sent message has been answered.
const (
	CompletionAssistantText = "assistant_text"
	CompletionSendEnabled   = "send_enabled"
)

// Page readiness conditions for navigation.
const (
	WaitUntilLoad        = "load"
	WaitUntilNetworkIdle = "networkidle"
)

// Matcher kinds for mock rules.
const (
	MatchContains = "contains"
	MatchGlob     = "glob"
)

// PersonaFirst asks the scenario to pick whichever persona is listed first.
const PersonaFirst = "first"

// Config holds the entire harness configuration. One value is built per run
// and passed down the call chain; nothing reads process-wide globals.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Mocks    MocksConfig    `mapstructure:"mocks" yaml:"mocks"`
	Scenario ScenarioConfig `mapstructure:"scenario" yaml:"scenario"`
	Report   ReportConfig   `mapstructure:"report" yaml:"report"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig describes the application under test and how to supervise it.
type ServerConfig struct {
	Command         []string      `mapstructure:"command" yaml:"command"`
	Dir             string        `mapstructure:"dir" yaml:"dir"`
	Env             []string      `mapstructure:"env" yaml:"env"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ReadyInterval   time.Duration `mapstructure:"ready_interval" yaml:"ready_interval"`
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period" yaml:"stop_grace_period"`
	// ResetPaths are deleted before the server starts so every run begins clean.
	// Relative paths are taken from Dir, where the server runs.
	ResetPaths []string `mapstructure:"reset_paths" yaml:"reset_paths"`
	// AppLog is the application's own log file, relative to Dir unless
	// absolute. "{date}" expands to YYYY-MM-DD (UTC).
	AppLog string `mapstructure:"app_log" yaml:"app_log"`
	// OutputLines bounds how many lines of server output are kept for the report.
	OutputLines int `mapstructure:"output_lines" yaml:"output_lines"`
}

// ViewportConfig is the page size in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	WaitUntil         string         `mapstructure:"wait_until" yaml:"wait_until"`
	IdleQuietPeriod   time.Duration  `mapstructure:"idle_quiet_period" yaml:"idle_quiet_period"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
}

// MockRuleConfig is a user supplied canned response.
type MockRuleConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Pattern     string `mapstructure:"pattern" yaml:"pattern"`
	Match       string `mapstructure:"match" yaml:"match"`
	Status      int    `mapstructure:"status" yaml:"status"`
	ContentType string `mapstructure:"content_type" yaml:"content_type"`
	Body        string `mapstructure:"body" yaml:"body"`
}

// MocksConfig controls network interception.
type MocksConfig struct {
	Enabled             bool             `mapstructure:"enabled" yaml:"enabled"`
	Models              []string         `mapstructure:"models" yaml:"models"`
	EmbeddingDimensions int              `mapstructure:"embedding_dimensions" yaml:"embedding_dimensions"`
	EmbeddingValue      float64          `mapstructure:"embedding_value" yaml:"embedding_value"`
	Rules               []MockRuleConfig `mapstructure:"rules" yaml:"rules"`
}

// SelectorConfig holds the CSS selectors of the chat UI.
type SelectorConfig struct {
	PersonaSelect string `mapstructure:"persona_select" yaml:"persona_select"`
	MessageInput  string `mapstructure:"message_input" yaml:"message_input"`
	SendButton    string `mapstructure:"send_button" yaml:"send_button"`
	AssistantText string `mapstructure:"assistant_text" yaml:"assistant_text"`
	ChatBox       string `mapstructure:"chat_box" yaml:"chat_box"`
	ModeToggle    string `mapstructure:"mode_toggle" yaml:"mode_toggle"`
}

// ScenarioConfig parameterizes the interaction sequence.
type ScenarioConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Persona    string `mapstructure:"persona" yaml:"persona"`
	Message    string `mapstructure:"message" yaml:"message"`
	AppMode    string `mapstructure:"app_mode" yaml:"app_mode"`
	Completion string `mapstructure:"completion" yaml:"completion"`

	VisibleTimeout time.Duration `mapstructure:"visible_timeout" yaml:"visible_timeout"`
	ReplyTimeout   time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`

	MobileViewport ViewportConfig `mapstructure:"mobile_viewport" yaml:"mobile_viewport"`
	Selectors      SelectorConfig `mapstructure:"selectors" yaml:"selectors"`
}

// ReportConfig controls diagnostic artifacts.
type ReportConfig struct {
	Screenshot string `mapstructure:"screenshot" yaml:"screenshot"`
	JSONReport string `mapstructure:"json_report" yaml:"json_report"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "persistcheck")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", false)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.command", []string{"node", "server.js"})
	v.SetDefault("server.dir", "")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.ready_timeout", "20s")
	v.SetDefault("server.ready_interval", "250ms")
	v.SetDefault("server.stop_grace_period", "5s")
	v.SetDefault("server.reset_paths", []string{"chat.db"})
	v.SetDefault("server.app_log", "")
	v.SetDefault("server.output_lines", 200)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.navigation_timeout", "15s")
	v.SetDefault("browser.wait_until", WaitUntilNetworkIdle)
	v.SetDefault("browser.idle_quiet_period", "500ms")
	v.SetDefault("browser.debug", false)

	// -- Mocks --
	v.SetDefault("mocks.enabled", true)
	v.SetDefault("mocks.models", []string{"mock-model:latest"})
	v.SetDefault("mocks.embedding_dimensions", 768)
	v.SetDefault("mocks.embedding_value", 0.1)

	// -- Scenario --
	v.SetDefault("scenario.name", ScenarioPersistence)
	v.SetDefault("scenario.persona", "Lina (voisine)")
	v.SetDefault("scenario.message", "Ceci est un test de persistance.")
	v.SetDefault("scenario.app_mode", "dev")
	v.SetDefault("scenario.completion", CompletionAssistantText)
	v.SetDefault("scenario.visible_timeout", "10s")
	v.SetDefault("scenario.reply_timeout", "30s")
	v.SetDefault("scenario.persist_timeout", "10s")
	v.SetDefault("scenario.poll_interval", "100ms")
	v.SetDefault("scenario.settle_delay", "500ms")
	v.SetDefault("scenario.mobile_viewport.width", 375)
	v.SetDefault("scenario.mobile_viewport.height", 667)
	v.SetDefault("scenario.selectors.persona_select", "#personaSelect")
	v.SetDefault("scenario.selectors.message_input", "#msgInput")
	v.SetDefault("scenario.selectors.send_button", "#sendBtn")
	v.SetDefault("scenario.selectors.assistant_text", ".assistant-message .chat-text")
	v.SetDefault("scenario.selectors.chat_box", "#chatBox")
	v.SetDefault("scenario.selectors.mode_toggle", "#appModeToggle")

	// -- Report --
	v.SetDefault("report.screenshot", "persistcheck.png")
	v.SetDefault("report.json_report", "persistcheck-report.json")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("could not expand paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in every filesystem path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.Logger.LogFile,
		&c.Server.Dir,
		&c.Server.AppLog,
		&c.Browser.ExecPath,
		&c.Report.Screenshot,
		&c.Report.JSONReport,
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	for i, p := range c.Server.ResetPaths {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return err
		}
		c.Server.ResetPaths[i] = expanded
	}
	return nil
}

// AppLogPath returns the application log path for the given day, or "" when
// no log is configured.
func (s ServerConfig) AppLogPath(now time.Time) string {
	if s.AppLog == "" {
		return ""
	}
	return s.ResolvePath(strings.ReplaceAll(s.AppLog, "{date}", now.UTC().Format("2006-01-02")))
}

// ResolvePath places a relative path in the server's working directory.
func (s ServerConfig) ResolvePath(path string) string {
	if path == "" || s.Dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.Dir, path)
}

// Validate checks the configuration for values the harness cannot run with.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if err := c.Mocks.Validate(); err != nil {
		return fmt.Errorf("mocks: %w", err)
	}
	if err := c.Scenario.Validate(); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	return nil
}

// Validate checks the ServerConfig settings.
func (s *ServerConfig) Validate() error {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return fmt.Errorf("command must not be empty")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", s.BaseURL)
	}
	if s.ReadyTimeout <= 0 || s.ReadyInterval <= 0 {
		return fmt.Errorf("ready_timeout and ready_interval must be positive")
	}
	if s.ReadyInterval > s.ReadyTimeout {
		return fmt.Errorf("ready_interval (%s) exceeds ready_timeout (%s)", s.ReadyInterval, s.ReadyTimeout)
	}
	if s.StopGracePeriod < 0 {
		return fmt.Errorf("stop_grace_period must not be negative")
	}
	return nil
}

// Validate checks the BrowserConfig settings.
func (b *BrowserConfig) Validate() error {
	if b.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be positive")
	}
	switch b.WaitUntil {
	case WaitUntilLoad, WaitUntilNetworkIdle:
	default:
		return fmt.Errorf("wait_until must be %q or %q, got %q", WaitUntilLoad, WaitUntilNetworkIdle, b.WaitUntil)
	}
	if b.Viewport.Width < 0 || b.Viewport.Height < 0 {
		return fmt.Errorf("viewport dimensions must not be negative")
	}
	return nil
}

// Validate checks the MocksConfig settings.
func (m *MocksConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive")
	}
	for i, r := range m.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("rules[%d]: pattern is required", i)
		}
		switch r.Match {
		case "", MatchContains, MatchGlob:
		default:
			return fmt.Errorf("rules[%d]: match must be %q or %q", i, MatchContains, MatchGlob)
		}
		if r.Status != 0 && (r.Status < 100 || r.Status > 599) {
			return fmt.Errorf("rules[%d]: status %d is not a valid HTTP status", i, r.Status)
		}
	}
	return nil
}

// Validate checks the ScenarioConfig settings.
func (s *ScenarioConfig) Validate() error {
	switch s.Name {
	case ScenarioPersistence, ScenarioLayout:
	default:
		return fmt.Errorf("unknown scenario %q", s.Name)
	}
	switch s.Completion {
	case CompletionAssistantText, CompletionSendEnabled:
	default:
		return fmt.Errorf("completion must be %q or %q, got %q", CompletionAssistantText, CompletionSendEnabled, s.Completion)
	}
	if s.Name == ScenarioPersistence {
		if strings.TrimSpace(s.Persona) == "" {
			return fmt.Errorf("persona must not be empty")
		}
		if strings.TrimSpace(s.Message) == "" {
			return fmt.Errorf("message must not be empty")
		}
	}
	if s.VisibleTimeout <= 0 || s.ReplyTimeout <= 0 || s.PersistTimeout <= 0 {
		return fmt.Errorf("visible_timeout, reply_timeout and persist_timeout must be positive")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}
