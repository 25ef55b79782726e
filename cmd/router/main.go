package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fabian4/dynamic-router/internal/logging"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dynamic-router",
		Short:         "Dynamic reverse-proxy router",
		Long:          `dynamic-router forwards HTTP traffic by longest-prefix routes, header rules and Consul-discovered services.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing default .env is fine, an explicit one is not
			if err := godotenv.Load(envFile); err != nil {
				if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
					return err
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./router.yaml", "path to YAML config")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config is expanded")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config")

	root.AddCommand(newServeCmd(), newCheckCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.New(logging.Options{}).Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) *log.Logger {
	if logLevel != "" {
		level = logLevel
	}
	l := logging.New(logging.Options{Level: level, Format: format})
	log.SetDefault(l)
	return l
}
