// Copyright 2025 Joseph Cumines
//
// desktop-bridge - confirmation-gated desktop automation over a local socket

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/desktopbridge/internal/config"
	"github.com/spf13/cobra"
)

const appName = "desktop-bridge"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Confirmation-gated desktop automation bridge",
		Long:          "desktop-bridge exposes accessibility-tree reads and confirmed input actions to local callers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file (overrides "+config.EnvPrefix+"CONFIG)")
	flags.String("platform", "", "platform helper gRPC target")
	flags.String("audit-log", "", "append-only audit log path")
	flags.StringSlice("workspace-root", nil, "directory workspaces must lie under (repeatable)")
	flags.Duration("request-timeout", 0, "default per-request timeout")
	flags.Bool("no-single-flight", false, "allow side-effecting calls to run concurrently")
	flags.Bool("no-phrase", false, "reject confirmation phrases, accept tokens only")
	flags.Bool("debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(),
		newSessionCmd(),
		newVersionCmd(version),
	)
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
		},
	}
}

// loadConfig loads the environment and file configuration, then applies
// any flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		if err := os.Setenv(config.EnvPrefix+"CONFIG", path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if flags.Changed("platform") {
		cfg.PlatformAddr, _ = flags.GetString("platform")
	}
	if flags.Changed("audit-log") {
		cfg.AuditLogPath, _ = flags.GetString("audit-log")
	}
	if flags.Changed("workspace-root") {
		roots, _ := flags.GetStringSlice("workspace-root")
		cfg.WorkspaceRoots = make([]string, 0, len(roots))
		for _, r := range roots {
			abs, err := filepath.Abs(r)
			if err != nil {
				return nil, fmt.Errorf("invalid workspace root %q: %w", r, err)
			}
			cfg.WorkspaceRoots = append(cfg.WorkspaceRoots, abs)
		}
	}
	if flags.Changed("request-timeout") {
		cfg.RequestTimeout, _ = flags.GetDuration("request-timeout")
		cfg.MaxTimeout = max(cfg.MaxTimeout, cfg.RequestTimeout)
	}
	if v, _ := flags.GetBool("no-single-flight"); v {
		cfg.SingleFlight = false
	}
	if v, _ := flags.GetBool("no-phrase"); v {
		cfg.AllowPhrase = false
	}
	if v, _ := flags.GetBool("debug"); v {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes text logs to stderr; stdout is reserved for the
// session protocol.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// tokenSweepInterval is how often expired confirmation tokens are pruned.
const tokenSweepInterval = time.Minute
