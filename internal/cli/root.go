package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/config"
)

// Exit codes.
const (
	exitFailure = 1
	exitBlocked = 2  // REJECT or HOLD from a one-shot command
	exitConfig  = 78 // EX_CONFIG
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to governance YAML (default ~/.govgate/governance.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")
}

var rootCmd = &cobra.Command{
	Use:           "govgate",
	Short:         "Governance gate for automated corrective actions and agent commands",
	Long:          "Evaluates proposals against hard filters, gates and soft filters, runs agent commands past a\nthree-voter council, and records every decision on a hash-chained audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(os.Stderr, logLevel, logFormat)
		if err != nil {
			return withExit(exitConfig, err)
		}
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

// exitError carries a process exit code. A nil err exits silently.
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

func withExit(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

// governancePath resolves --config.
func governancePath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the governance file. Failures exit with EX_CONFIG.
func loadConfig() (*config.Config, string, error) {
	cfg, version, err := config.LoadWithHash(governancePath())
	if err != nil {
		return nil, "", withExit(exitConfig, err)
	}
	return cfg, version, nil
}

// openRuntime loads the governance file and assembles the pipeline.
func openRuntime(ctx context.Context) (*config.Runtime, *config.Config, string, error) {
	cfg, version, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	rt, err := config.Open(ctx, cfg, version, slog.Default())
	if err != nil {
		return nil, nil, "", withExit(exitConfig, err)
	}
	return rt, cfg, version, nil
}

// readInput reads a file argument, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
