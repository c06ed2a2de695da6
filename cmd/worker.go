package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ruabot/pkg/config"
	"ruabot/pkg/plugin"
	"ruabot/pkg/plugin/builtin"
	"ruabot/pkg/store"
	"ruabot/pkg/worker"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the plugin worker process",
	Long:  "Runs the plugin runtime that speaks newline-framed JSON on stdin/stdout. Normally spawned by the host, not invoked directly.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		// stdout belongs to the frame protocol, so a missing config is
		// not reported, just defaulted.
		storageDir := config.DefaultStorageDir
		if cfg, err := config.LoadConfig(); err == nil {
			storageDir = cfg.Storage.Dir
		}

		registry := plugin.NewRegistry()
		if err := registry.Register(builtin.Like); err != nil {
			os.Exit(1)
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := worker.New(registry, store.New(storageDir), os.Stdin, os.Stdout)
		if err := rt.Run(runCtx); err != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
