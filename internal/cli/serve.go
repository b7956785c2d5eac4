package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"querybuilder/internal/config"
	mcpserver "querybuilder/internal/mcp"
	"querybuilder/internal/pool"
	"querybuilder/internal/secret"
	"querybuilder/internal/service"
	"querybuilder/internal/storage"

	"github.com/spf13/cobra"
)

const shutdownGrace = 5 * time.Second

func newServeCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the query builder over MCP on stdin/stdout",
		Long: `Serve opens the metadata database, builds the connection pools and
serves MCP tools, resources and prompts on stdin/stdout until interrupted.

Changes to the config file's log.level apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (s *session) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger := s.cfg, s.logger

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open metadata database: %w", err)
	}
	defer db.Close()

	secrets, err := secret.NewStore(cfg.Secrets.Backend)
	if err != nil {
		return err
	}
	sealer := secret.NewSealer(secrets)

	pools, err := pool.NewManager(service.NewClientFactory(sealer, logger), pool.Options{
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		ProbeRetries:   cfg.Pool.ProbeRetries,
		ReapInterval:   cfg.Pool.ReapInterval,
		SkipWarmUp:     !cfg.Pool.WarmUp,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create pool manager: %w", err)
	}
	defer func() {
		if err := pools.Close(); err != nil {
			logger.Error("close pools", "error", err)
		}
	}()

	// services emit through the notifier; it starts forwarding once the
	// MCP server attaches to it
	notifier := &mcpserver.Notifier{}
	savedStore := storage.NewSavedQueryStore(db)
	connections := service.NewConnectionService(storage.NewConnectionStore(db), sealer, pools, notifier)
	queries := service.NewQueryBuilderService(connections, savedStore, pools, notifier, service.QueryServiceOptions{
		ExplainOnExecute: cfg.Optimizer.Explain,
		Logger:           logger,
	})
	saved := service.NewSavedQueryService(savedStore, connections, notifier)

	srv := mcpserver.New(mcpserver.Deps{
		OwnerID:     cfg.OwnerID,
		Version:     Version,
		Connections: connections,
		Queries:     queries,
		Saved:       saved,
		Pools:       pools,
		Notifier:    notifier,
		Logger:      logger,
	})

	if cfg.File != "" {
		w, err := config.Watch(cfg.File, s.reload, s.applyLevel, logger)
		if err != nil {
			logger.Warn("config file will not be watched", "error", err)
		} else {
			defer w.Close()
		}
	}

	logger.Info("serving", "db_path", cfg.DBPath, "owner_id", cfg.OwnerID, "secrets", cfg.Secrets.Backend)
	serveErr := srv.ServeStdio(ctx, in, out)

	// let running connection tests record their outcome before the pools close
	for _, run := range connections.RunningTests() {
		logger.Info("waiting for connection test", "connection_id", run.ConnectionID, "started_at", run.StartedAt)
	}
	waitCtx, cancelWait := context.WithTimeout(context.Background(), shutdownGrace)
	connections.Wait(waitCtx)
	cancelWait()

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", serveErr)
	}
	return nil
}
