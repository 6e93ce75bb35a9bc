package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/secflow/engine/internal/validator"
)

// newValidateCmd implements `secflowd validate <graph.json>`: loads a graph
// document and checks it against the registry (spec §4.B), printing every
// error/warning instead of stopping at the first (validator never
// short-circuits on user-caused problems).
func newValidateCmd() *cobra.Command {
	var catalogFile string

	cmd := &cobra.Command{
		Use:   "validate <graph.json>",
		Short: "validate a workflow graph against the component registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := buildRegistry(cfg, catalogFile)
			if err != nil {
				return fmt.Errorf("build registry: %w", err)
			}
			g, err := loadGraphFile(args[0])
			if err != nil {
				return err
			}
			res, err := validator.Validate(g, reg)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning[%s] node=%s port=%s: %s\n", w.Kind, w.NodeRef, w.PortID, w.Message)
			}
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error[%s] node=%s port=%s: %s\n", e.Kind, e.NodeRef, e.PortID, e.Message)
			}
			if !res.OK() {
				return fmt.Errorf("graph has %d error(s)", len(res.Errors))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "graph is valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogFile, "catalog", "", "path to a YAML component catalog to seed the registry with")
	return cmd
}
