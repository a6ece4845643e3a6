package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the swrr command tree.
func newRootCmd(ver string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swrr",
		Short:         "Stale-while-revalidate cache for slow computations",
		Version:       ver,
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # Proxy an origin through the cache
  swrr serve --upstream http://origin.internal

  # Print the storage key for a call
  swrr key posts my-slug

  # Check a configuration file
  swrr config validate --config swrr.yaml`,
	}

	cmd.PersistentFlags().String("config", "", "path to swrr.yaml (default: search ., $HOME/.config/swrr, /etc/swrr)")
	cmd.AddCommand(newServeCmd(), newKeyCmd(), newConfigCmd())

	return cmd
}
