package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// newRegistryCmd implements `secflowd registry list`: prints every
// component the engine would seed into the Contract & Port Registry at
// startup, for operators authoring a catalog file.
func newRegistryCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "registry",
		Short: "inspect the component registry",
	}

	var catalogFile string
	list := &cobra.Command{
		Use:   "list",
		Short: "list registered components",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := buildRegistry(cfg, catalogFile)
			if err != nil {
				return fmt.Errorf("build registry: %w", err)
			}
			defs := reg.List()
			sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
			for _, def := range defs {
				fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-8s runner=%-10s trigger=%v sink=%v tool=%v\n",
					def.ID, def.Version, def.Runner, def.Capabilities.IsTrigger, def.Capabilities.IsSink, def.Capabilities.IsToolMode)
			}
			return nil
		},
	}
	list.Flags().StringVar(&catalogFile, "catalog", "", "path to a YAML component catalog to seed the registry with")
	root.AddCommand(list)
	return root
}
