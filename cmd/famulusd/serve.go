package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernwerk/famulus/internal/agent"
	"github.com/fernwerk/famulus/internal/approval"
	"github.com/fernwerk/famulus/internal/channel"
	"github.com/fernwerk/famulus/internal/chronos"
	"github.com/fernwerk/famulus/internal/config"
	"github.com/fernwerk/famulus/internal/delegation"
	"github.com/fernwerk/famulus/internal/dispatch"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/history"
	"github.com/fernwerk/famulus/internal/notifier"
	"github.com/fernwerk/famulus/internal/taskstore"
	"github.com/fernwerk/famulus/internal/webhook"
	"github.com/fernwerk/famulus/web/api"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := taskstore.Open(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tasks, err := taskstore.New(db)
	if err != nil {
		return err
	}
	approvals, err := approval.New(db)
	if err != nil {
		return err
	}
	hist, err := history.New(db)
	if err != nil {
		return err
	}
	webhooks, err := webhook.New(db)
	if err != nil {
		return err
	}
	jobs, err := chronos.NewStore(db)
	if err != nil {
		return err
	}

	registry := channel.NewRegistry(logger)
	ws := channel.NewWSAdapter(logger)
	registry.Register(ws)
	registry.Register(channel.NewLogAdapter(logger))

	dispatcher := dispatch.New(registry, hist, webhooks, logger)
	notify := notifier.New(tasks, dispatcher, logger, cfg.NotifyInterval())

	// Pending approvals are surfaced on every connected channel so a human
	// can answer from wherever they are.
	gate := approval.NewGate(approvals, logger, cfg.General.ProjectID, func(req *domain.ApprovalRequest) {
		text := fmt.Sprintf("🔐 Approval needed (%s): %s\nResolve with: famulusd approvals resolve %s <approved|denied|approved_always>",
			req.ActionType, req.ActionDescription, req.ID)
		if err := registry.Broadcast(text); err != nil {
			logger.Warn("approval announce failed", "approval_id", req.ID, "error", err)
		}
	})
	gate.SetTimeout(cfg.ApprovalTimeout())
	delegator := delegation.NewDelegator(tasks, logger)

	scheduler := chronos.NewScheduler(jobs, agent.NewCLIInvoker(), registry, logger, cfg.ChronosInterval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configFile(), func(next *config.Config) {
		scheduler.UpdateInterval(next.ChronosInterval())
		logger.Info("config reloaded")
	})
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	notify.Start()
	defer notify.Stop()
	scheduler.Start()
	defer scheduler.Stop()

	apiServer := api.NewServer(tasks, approvals, gate, delegator, jobs, webhooks, ws)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler: apiServer.Handler(),
	}
	go func() {
		logger.Info("http listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listener failed", "error", err)
			stop()
		}
	}()

	logger.Info("famulusd running",
		"database", cfg.General.DatabasePath, "channels", registry.Names())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := ws.Disconnect(); err != nil {
		logger.Warn("websocket disconnect failed", "error", err)
	}
	return nil
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}
