package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabian4/dynamic-router/internal/config"
	"github.com/fabian4/dynamic-router/internal/server"
)

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the router",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(c.Log.Level, c.Log.Format)

			srv, err := server.New(c, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Start(ctx); err != nil {
				return err
			}

			if watch {
				go func() {
					err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
						if err := srv.Reload(next); err != nil {
							logger.Error("reload failed", "err", err)
						}
					})
					if err != nil {
						logger.Error("config watcher stopped", "err", err)
					}
				}()
			}

			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown", "err", err)
			}
			return srv.Wait()
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}
