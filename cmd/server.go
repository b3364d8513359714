/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notesd/apiserver/config"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/logger"
	"github.com/notesd/apiserver/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the notes backend server",
	Long: `Starts the notes backend server. Usage:

	notesd server
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadConfig()
		log := logger.New(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: "notesd"})
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, log)
		if err != nil {
			if errors.Is(err, db.ErrPoolInitFatal) {
				log.Error("database unavailable, refusing to serve", zap.Error(err))
			}
			fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
			_ = log.Sync()
			os.Exit(1)
		}

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Start() }()

		select {
		case err := <-serveErr:
			if err != nil {
				log.Error("server error", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ShutdownGrace+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown finished with errors", zap.Error(err))
		}
		log.Info("server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
