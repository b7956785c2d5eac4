// Package cli provides the querybuilder command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"querybuilder/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	slogctx "github.com/veqryn/slog-context"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// session is the state PersistentPreRunE hands to subcommands.
type session struct {
	cfgFile string
	flags   *pflag.FlagSet
	cfg     *config.Config
	level   *slog.LevelVar
	logger  *slog.Logger
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	s := &session{level: new(slog.LevelVar)}

	rootCmd := &cobra.Command{
		Use:   "querybuilder",
		Short: "Build, validate, optimize and run queries across databases",
		Long: `querybuilder turns structured query descriptions or raw statements into
validated, optimized statements for PostgreSQL, MySQL, SQLite, SQL Server and
MongoDB, and runs them through pooled connections.

It is usually started by an MCP client as "querybuilder serve".`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			s.flags = cmd.Root().PersistentFlags()
			cfg, err := s.reload()
			if err != nil {
				return err
			}
			s.install(cfg, cmd.ErrOrStderr())
			cmd.SetContext(slogctx.NewCtx(cmd.Context(), s.logger))
			if cfg.File != "" {
				s.logger.Debug("using config file", "file", cfg.File)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&s.cfgFile, "config", "", "config file (default: ./querybuilder.yaml)")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (text|json)")
	pf.String("data-dir", "", "Directory for local state")
	pf.String("db-path", "", "Path of the metadata database (default: <data-dir>/querybuilder.db)")
	pf.String("owner", "", "Owner id every request acts as")

	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newServeCmd(s))
	rootCmd.AddCommand(newRenderCmd(s))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// install builds the process logger. Logs go to stderr: stdout carries
// the MCP stream.
func (s *session) install(cfg *config.Config, w io.Writer) {
	s.cfg = cfg
	s.applyLevel(cfg)
	opts := &slog.HandlerOptions{Level: s.level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	s.logger = slog.New(handler)
	slog.SetDefault(s.logger)
}

// reload reads the configuration again with the same file and flags.
func (s *session) reload() (*config.Config, error) {
	return config.Load(s.cfgFile, s.flags)
}

// applyLevel is also the config watcher's change handler.
func (s *session) applyLevel(cfg *config.Config) {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return
	}
	if s.level.Level() != level && s.logger != nil {
		s.logger.Info("log level changed", "level", level.String())
	}
	s.level.Set(level)
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
