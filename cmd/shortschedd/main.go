package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"shortsched/internal/api"
	"shortsched/internal/config"
	"shortsched/internal/core"
	"shortsched/internal/generate"
	"shortsched/internal/logging"
	shortschedmcp "shortsched/internal/mcp"
	"shortsched/internal/notify"
	"shortsched/internal/store"
)

// daemon bundles the long-lived components shared by every run mode.
type daemon struct {
	cfg        *config.Config
	store      *store.Store
	automation *core.Engine
	scheduler  *core.Scheduler
	mcpServer  *shortschedmcp.MCPServer
	logger     *slog.Logger
	location   *time.Location
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp and both modes.
	var logOut io.Writer = os.Stdout
	if cfg.ServesMCP() {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level)

	location, err := time.LoadLocation(cfg.Automation.TimeZone)
	if err != nil {
		logger.Error("load timezone", "timezone", cfg.Automation.TimeZone, "err", err)
		os.Exit(1)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	if cfg.ChannelsFile != "" {
		if err := seedChannels(baseCtx, storeInst, cfg.ChannelsFile, logger); err != nil {
			logger.Error("seed channels", "file", cfg.ChannelsFile, "err", err)
			os.Exit(1)
		}
	}

	if cfg.OpenAI.APIKey == "" {
		logger.Warn("openai api key is not set; automatic runs will fail at idea generation")
	}
	generator := generate.NewOpenAI(generate.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Timeout: cfg.OpenAI.Timeout,
	})

	automation := core.NewEngine(core.Deps{
		Channels:  storeInst,
		Jobs:      storeInst,
		Runs:      storeInst,
		Generator: generator,
		Notifier:  buildNotifier(cfg, logger),
	}, logger, core.Options{
		Tolerance:       cfg.Automation.Tolerance,
		StaleLockAfter:  cfg.Automation.StaleLockAfter,
		IdeasPerRequest: cfg.Automation.IdeasPerRequest,
		TimeZone:        cfg.Automation.TimeZone,
		RunRetention:    cfg.Automation.RunRetention,
	})
	scheduler := core.NewScheduler(automation, logger, location, cfg.Automation.SweepSpec)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if cfg.Automation.SweepEnabled {
		if err := scheduler.Start(ctx); err != nil {
			logger.Error("start sweep scheduler", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Info("in-process sweep disabled; use POST /v1/automation/run-scheduled")
	}

	d := &daemon{
		cfg:        cfg,
		store:      storeInst,
		automation: automation,
		scheduler:  scheduler,
		mcpServer:  shortschedmcp.NewMCPServer(storeInst, automation, scheduler, logger, location),
		logger:     logger,
		location:   location,
	}

	switch cfg.Mode {
	case config.ModeHTTP:
		d.runHTTPMode()
	case config.ModeMCP:
		d.runMCPMode(cancel)
	case config.ModeBoth:
		d.runBothMode()
	}
	d.stopScheduler()
	logger.Info("shutdown complete")
}

// runHTTPMode serves the REST API and the streamable MCP endpoint.
func (d *daemon) runHTTPMode() {
	server := d.newHTTPServer()
	serverErr := d.startHTTP(server)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		d.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		d.logger.Error("server error", "err", err)
	}
	d.shutdownHTTP(server)
}

// runMCPMode serves MCP on stdio only.
func (d *daemon) runMCPMode(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		d.logger.Info("received signal, shutting down...")
		cancel()
		d.stopScheduler()
		_ = d.store.Close()
		os.Exit(0)
	}()

	if err := d.mcpServer.Run(); err != nil {
		d.logger.Error("mcp server error", "err", err)
	}
}

// runBothMode serves MCP on stdio next to the HTTP API.
func (d *daemon) runBothMode() {
	mcpErr := make(chan error, 1)
	go func() {
		if err := d.mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := d.newHTTPServer()
	serverErr := d.startHTTP(server)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		d.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		d.logger.Error("server error", "err", err)
	case err := <-mcpErr:
		d.logger.Error("mcp server error", "err", err)
	}
	d.shutdownHTTP(server)
}

func (d *daemon) newHTTPServer() *api.Server {
	return api.NewServer(d.cfg.Server.Addr, d.cfg.Server.AuthToken, d.store, d.automation, d.scheduler,
		d.mcpServer.HTTPHandler(), d.logger, d.location)
}

func (d *daemon) startHTTP(server *api.Server) <-chan error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	return serverErr
}

func (d *daemon) shutdownHTTP(server *api.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("server shutdown", "err", err)
	}
}

// stopScheduler waits up to the shutdown grace for a sweep in flight.
func (d *daemon) stopScheduler() {
	stopCtx := d.scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("scheduler stop timed out")
	}
}

// buildNotifier returns nil when no channel is configured.
func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	var notifiers []notify.Notifier
	if tg := cfg.Notification.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		n, err := notify.NewTelegramNotifier(tg.APIBase, tg.BotToken, tg.ChatID)
		if err != nil {
			logger.Warn("telegram notifier disabled", "err", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if bark := cfg.Notification.Bark; bark.Enabled && bark.URL != "" {
		n, err := notify.NewBarkNotifier(bark.URL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	multi := notify.NewMultiNotifier(notifiers...)
	if multi.Len() == 0 {
		logger.Info("no notifier configured")
		return nil
	}
	logger.Info("notifications enabled", "count", multi.Len())
	return multi
}

// seedChannels upserts the channels file and refreshes each next run.
func seedChannels(ctx context.Context, st *store.Store, path string, logger *slog.Logger) error {
	channels, err := config.LoadChannels(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, ch := range channels {
		if err := st.UpsertChannel(ctx, ch); err != nil {
			return err
		}
		if ch.Automation != nil {
			if err := st.SetNextRunAt(ctx, ch.ID, core.NextRunFor(ch, now)); err != nil {
				return err
			}
		}
	}
	logger.Info("channels seeded", "file", path, "count", len(channels))
	return nil
}
