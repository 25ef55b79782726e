package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/dynamic-router/internal/config"
	"github.com/fabian4/dynamic-router/internal/version"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			n := 0
			for _, r := range c.Routes {
				n += len(r.Targets)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (routes=%d targets=%d header_resolvers=%d consul=%t)\n",
				configPath, len(c.Routes), n, len(c.Headers), c.Consul.Enabled)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dynamic-router %s\n", version.Value)
		},
	}
}
