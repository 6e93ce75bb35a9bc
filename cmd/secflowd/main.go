// Command secflowd is the engine's CLI surface (SPEC_FULL.md §10/§12): graph
// validation, plan compilation, local run execution, registry inspection,
// and the scheduled-trigger daemon loop. Grounded on C360Studio-semspec's
// cobra command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/secflow/engine/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "secflowd",
		Short: "secflow workflow execution engine",
	}
	root.AddCommand(
		newValidateCmd(),
		newPlanCmd(),
		newRunCmd(),
		newRegistryCmd(),
		newTriggerCmd(),
	)
	return root
}

// loadConfig is the shared entry point every subcommand uses to pick up
// SECFLOW_*-prefixed environment configuration (spec §6).
func loadConfig() (*config.Config, error) {
	return config.Load()
}
