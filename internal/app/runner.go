package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-sentinel/internal/cache"
	"github.com/ggonzalez94/defi-sentinel/internal/config"
	"github.com/ggonzalez94/defi-sentinel/internal/engine"
	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/gateway"
	"github.com/ggonzalez94/defi-sentinel/internal/httpx"
	"github.com/ggonzalez94/defi-sentinel/internal/model"
	"github.com/ggonzalez94/defi-sentinel/internal/oracle"
	"github.com/ggonzalez94/defi-sentinel/internal/out"
	"github.com/ggonzalez94/defi-sentinel/internal/policy"
	"github.com/ggonzalez94/defi-sentinel/internal/schema"
	"github.com/ggonzalez94/defi-sentinel/internal/store"
	"github.com/ggonzalez94/defi-sentinel/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	logger      *slog.Logger
	root        *cobra.Command
	lastCommand string
	warnings    []string

	store  *store.Store
	cache  *cache.Store
	engine *engine.Engine
}

func (r *Runner) Run(args []string) int {
	return r.RunContext(context.Background(), args)
}

func (r *Runner) RunContext(ctx context.Context, args []string) int {
	state := &runtimeState{runner: r}
	defer state.close()
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.ExecuteContext(ctx))
	if err == nil {
		return 0
	}
	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Autonomous DeFi trigger monitor and executor",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = newLogger(s.runner.stderr, settings.LogLevel, settings.LogFormat)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if needsEngine(path) {
				return s.openEngine(cmd.Context())
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	flags.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	flags.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	flags.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	flags.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	flags.StringVar(&s.flags.Timeout, "timeout", "", "Oracle and gateway request timeout")
	flags.IntVar(&s.flags.Retries, "retries", -1, "Retries per oracle request")
	flags.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the shared price cache")
	flags.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	flags.StringVar(&s.flags.EnvFile, "env-file", "", "Load environment variables from a dotenv file")
	flags.StringVar(&s.flags.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&s.flags.Session, "session", "", "Session that owns the triggers")

	cmd.AddCommand(s.newTriggersCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newTickCommand())
	cmd.AddCommand(s.newStatusCommand())
	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newLimitsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// openEngine wires the store, price oracle and execution gateway from the
// loaded settings.
func (s *runtimeState) openEngine(ctx context.Context) error {
	if s.engine != nil {
		return nil
	}
	settings := s.settings

	st, err := store.Open(settings.StorePath, settings.StoreLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open trigger store", err)
	}
	s.store = st

	chains, err := policy.NewChains(settings.AllowedChains)
	if err != nil {
		return err
	}

	httpClient := httpx.New(settings.Timeout, settings.Retries).WithRateLimit(settings.RateLimit)
	var prices oracle.Oracle = oracle.NewDefiLlama(httpClient,
		oracle.WithBaseURL(settings.OracleURL),
		oracle.WithMaxAge(settings.PriceMaxAge),
	)
	if settings.CacheEnabled {
		cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "open price cache", err)
		}
		s.cache = cacheStore
		if err := cacheStore.Prune(ctx, settings.PriceMaxAge); err != nil {
			s.logger.Warn("prune price cache", "err", err)
		}
		prices = oracle.NewCached(prices, cacheStore, settings.PriceTTL, s.logger)
	}

	gw := gateway.NewHTTP(httpClient, settings.GatewayURL, settings.GatewayAPIKey)
	s.engine = engine.New(st, prices, gw, engine.Config{
		Limits:            settings.Limits,
		PollInterval:      settings.PollInterval,
		TickLease:         settings.TickLease,
		CallTimeout:       settings.Timeout,
		DefaultMaxRetries: settings.DefaultMaxRetries,
		MinDCAInterval:    settings.MinDCAInterval,
		Chains:            chains,
	}, s.logger)
	return nil
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), "", data)
		},
	}
}

func (s *runtimeState) warn(msg string) {
	s.warnings = append(s.warnings, msg)
}

func (s *runtimeState) emitSuccess(commandPath, session string, data any) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: s.warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Session:   session,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    errorType(err),
			Message: message,
		},
		Warnings: s.warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(err error) string {
	cErr, ok := clierr.As(err)
	if !ok {
		return "internal_error"
	}
	switch cErr.Code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "upstream_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeBlocked:
		return "blocked"
	case clierr.CodeInvalidPayload:
		return "invalid_trigger_payload"
	case clierr.CodeNotFound:
		return "not_found"
	case clierr.CodeRiskDenied:
		return "risk_denied"
	case clierr.CodePriceUnavailable:
		return "price_unavailable"
	case clierr.CodeExecutionFailed:
		return "execution_failed"
	default:
		return "internal_error"
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func needsEngine(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
