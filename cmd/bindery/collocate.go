package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bayleafwalker/bindery-core/internal/collocation"
)

var policyFlags = map[string]string{
	collocation.AttrMinCollocation: "min-collocation",
	collocation.AttrMaxCollocation: "max-collocation",
	collocation.AttrMinContainers:  "min-containers",
	collocation.AttrMaxContainers:  "max-containers",
}

func newCollocateCmd(root *rootOptions) *cobra.Command {
	var scale, containers uint
	cmd := &cobra.Command{
		Use:   "collocate",
		Short: "Show how a scaled instance is spread over containers",
		Example: `  bindery collocate --scale 10 --containers 8 --min-collocation 4
  bindery collocate --scale 10 --containers 3 --max-collocation 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, _, err := collocation.ParseAttrs(collocation.Default(), func(name string) (string, bool) {
				f := cmd.Flags().Lookup(policyFlags[name])
				if f == nil || !f.Changed {
					return "", false
				}
				return f.Value.String(), true
			})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("containers") && root.cfg.Resolver.Containers != 0 {
				containers = root.cfg.Resolver.Containers
			}
			res, err := policy.Apply(scale, containers)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "collocation %d, %d containers used\n", res.Collocation, res.ContainersUsed)
			members := make([]uint, 0, res.EffectiveScale)
			for n := uint(0); n < res.EffectiveScale; n++ {
				members = append(members, res.Container(n))
			}
			fmt.Fprintf(out, "members: %s\n", containerList(members))
			return nil
		},
	}
	cmd.Flags().UintVar(&scale, "scale", 1, "Number of members")
	cmd.Flags().UintVar(&containers, "containers", 1, "Available containers")
	for _, attr := range collocation.Attrs() {
		cmd.Flags().Uint(policyFlags[attr], 0, "Policy bound "+attr)
	}
	return cmd
}
