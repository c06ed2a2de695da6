package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ruabot/pkg/bus"
	"ruabot/pkg/config"
	"ruabot/pkg/gateway"
	"ruabot/pkg/logger"
	"ruabot/pkg/store"
	"ruabot/pkg/supervisor"

	"github.com/spf13/cobra"
)

const workerRestartDelay = 2 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot host",
	Long:  "Runs the RuaBot host: connects to the chat network and supervises the plugin worker process.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events := bus.New(appLogger)
		events.Start()
		defer events.Stop()

		gw := gateway.New(cfg.Gateway, events, appLogger)
		if err := gw.Start(runCtx); err != nil {
			log.Error("Failed to start gateway", "error", err)
			return
		}
		defer gw.Stop()

		sup := supervisor.New(cfg.Supervisor, persistedPlugins(cfg, appLogger), gw, events, nil, appLogger)
		sup.OnDisconnect(func() { restartWorker(runCtx, sup, log) })
		if err := sup.Initialize(runCtx); err != nil {
			log.Error("Failed to start plugin worker", "error", err)
			gw.Stop()
			return
		}
		defer sup.Dispose()

		log.Info("RuaBot started", "connection", cfg.Gateway.ConnectionType, "plugins", len(cfg.Plugins))
		<-runCtx.Done()
		log.Info("Shutting down")
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// persistedPlugins overlays stored per-plugin config onto the file config.
// Stored values win so runtime edits survive a restart.
func persistedPlugins(cfg *config.Config, log *slog.Logger) []config.PluginConfig {
	st := store.New(cfg.Storage.Dir)
	plugins := make([]config.PluginConfig, len(cfg.Plugins))
	copy(plugins, cfg.Plugins)

	for i, entry := range plugins {
		saved, err := st.Load(entry.Author, entry.Name)
		if err != nil {
			log.Warn("Ignoring unreadable stored plugin config", "plugin", entry.Author+"/"+entry.Name, "error", err)
			continue
		}
		if len(saved) == 0 {
			continue
		}
		merged := make(map[string]any, len(entry.Config)+len(saved))
		for k, v := range entry.Config {
			merged[k] = v
		}
		for k, v := range saved {
			merged[k] = v
		}
		plugins[i].Config = merged
	}
	return plugins
}

// restartWorker brings the worker back after an unexpected exit. A
// deliberate shutdown cancels runCtx first, so the restart is skipped.
func restartWorker(ctx context.Context, sup *supervisor.Supervisor, log *slog.Logger) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(workerRestartDelay):
		}
		log.Warn("Plugin worker exited, restarting")
		sup.Dispose()
		if err := sup.Initialize(ctx); err != nil {
			log.Error("Failed to restart plugin worker", "error", err)
		}
	}()
}
