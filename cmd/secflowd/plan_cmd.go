package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/secflow/engine/internal/compiler"
	"github.com/secflow/engine/internal/validator"
)

// newPlanCmd implements `secflowd plan <graph.json>`: validates then
// compiles a graph into an immutable ExecutionPlan and prints it as indented
// JSON, including the SHA-256 plan signature (spec §4.C).
func newPlanCmd() *cobra.Command {
	var catalogFile string

	cmd := &cobra.Command{
		Use:   "plan <graph.json>",
		Short: "compile a workflow graph into an execution plan",
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
			if !res.OK() {
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "error[%s] node=%s: %s\n", e.Kind, e.NodeRef, e.Message)
				}
				return fmt.Errorf("graph has %d validation error(s); refusing to compile", len(res.Errors))
			}

			plan, err := compiler.Compile(g, reg)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}
			out, err := json.MarshalIndent(plan, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogFile, "catalog", "", "path to a YAML component catalog to seed the registry with")
	return cmd
}
