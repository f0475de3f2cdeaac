// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/persistcheck/internal/config"
	"github.com/xkilldash9x/persistcheck/internal/harness"
	"github.com/xkilldash9x/persistcheck/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// harnessOptions lets tests swap the server and browser for fakes.
var harnessOptions []harness.Option

// exitError carries a non-zero exit code for a run that has already been
// reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootFlags struct {
	cfgFile    string
	scenario   string
	persona    string
	message    string
	baseURL    string
	screenshot string
	noMocks    bool
	headful    bool
}

// NewRootCommand builds a fresh command tree. Each call is independent.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "persistcheck",
		Short: "Checks that a chat message survives a page reload.",
		Long: `persistcheck starts the chat server, drives a headless browser through a
conversation, reloads the page and verifies the message is still shown.
Calls to the model backend are answered with canned responses so the check
does not depend on a running model.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, flags); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.Initialize(cfg.Logger, zapcore.Lock(zapcore.AddSync(cmd.OutOrStdout())))
			observability.GetLogger().Debug("Configuration loaded.",
				zap.String("version", Version),
				zap.String("config_file", v.ConfigFileUsed()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		RunE: runCheck,
	}

	f := cmd.Flags()
	cmd.PersistentFlags().StringVarP(&flags.cfgFile, "config", "c", "", "config file (default is ./persistcheck.yaml)")
	f.StringVarP(&flags.scenario, "scenario", "s", "", `scenario to run: "persistence" or "layout"`)
	f.StringVar(&flags.persona, "persona", "", `persona label to select, or "first"`)
	f.StringVarP(&flags.message, "message", "m", "", "message text to send")
	f.StringVar(&flags.baseURL, "base-url", "", "URL the application serves on")
	f.StringVar(&flags.screenshot, "screenshot", "", "where to save the final screenshot")
	f.BoolVar(&flags.noMocks, "no-mocks", false, "let model and embedding calls reach the real backend")
	f.BoolVar(&flags.headful, "headful", false, "show the browser window")

	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// initializeConfig reads the config file and environment, then applies any
// flags the user set explicitly.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, flags *rootFlags) error {
	if flags.cfgFile != "" {
		v.SetConfigFile(flags.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("persistcheck")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PERSISTCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	root := cmd.Root().Flags()
	bindings := map[string]string{
		"scenario":   "scenario.name",
		"persona":    "scenario.persona",
		"message":    "scenario.message",
		"base-url":   "server.base_url",
		"screenshot": "report.screenshot",
	}
	for flag, key := range bindings {
		if fl := root.Lookup(flag); fl != nil && fl.Changed {
			v.Set(key, fl.Value.String())
		}
	}
	if flags.noMocks {
		v.Set("mocks.enabled", false)
	}
	if flags.headful {
		v.Set("browser.headless", false)
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok {
		return errors.New("configuration not initialized")
	}

	h := harness.New(cfg, observability.GetLogger(), harnessOptions...)
	o, code := h.RunAndReport(cmd.Context())
	if code != 0 {
		return &exitError{code: code, err: o.Err()}
	}
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}
