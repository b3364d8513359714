/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/notesd/apiserver/config"
	"github.com/notesd/apiserver/internal/logger"
	"github.com/notesd/apiserver/internal/mq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// eventsCmd tails registration events from the configured broker.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print user.registered events from the message queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logger.New(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: "notesd-events"})
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if !broker.Enabled() {
			return fmt.Errorf("MQ_BACKEND is not set")
		}
		defer func() { _ = broker.Close() }()

		err = broker.Subscribe(ctx, cfg.MQ.RegisterTopic, func(_ context.Context, msg mq.Message) error {
			var evt mq.UserRegistered
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				log.Warn("undecodable event", zap.String("id", msg.ID), zap.Error(err))
				return nil
			}
			log.Info("user registered",
				zap.String("user_id", evt.UserID),
				zap.String("email", evt.Email),
				zap.Time("registered_at", evt.RegisteredAt),
			)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
