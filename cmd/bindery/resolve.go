package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-core/internal/resolver"
)

type resolveOptions struct {
	parseOptions
	scale      uint
	containers uint
	maxSteps   int
	rejected   bool
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	o := &resolveOptions{parseOptions: parseOptions{rootOptions: root}}
	cmd := &cobra.Command{
		Use:   "resolve FILE",
		Short: "Choose an implementation for every instance of an assembly",
		Long: `Parse an assembly, scan the libraries and print the chosen implementation,
port mapping and containers of every instance.

Examples:
  bindery resolve app.xml -L ./artifacts
  bindery resolve app.xml --scale 10 --containers 8 --rejected`,
		Args: cobra.ExactArgs(1),
		RunE: o.run,
	}
	cmd.Flags().StringArrayVarP(&o.params, "param", "p", nil, "Override as <kind>=[<instance>]=<value>")
	cmd.Flags().UintVar(&o.scale, "scale", 0, "Members per instance (overrides config)")
	cmd.Flags().UintVar(&o.containers, "containers", 0, "Available containers (overrides config)")
	cmd.Flags().IntVar(&o.maxSteps, "max-steps", 0, "Search budget (overrides config)")
	cmd.Flags().BoolVar(&o.rejected, "rejected", false, "Also list rejected candidates")
	return cmd
}

func (o *resolveOptions) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := o.load(args[0])
	if err != nil {
		return err
	}
	m, closeAll, err := o.openLibraries(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	in := resolver.Input{
		Assembly:   a,
		Catalog:    m.Catalog(),
		Profile:    o.cfg.Target.Profile(),
		Scale:      o.cfg.Resolver.Scale,
		Containers: o.cfg.Resolver.Containers,
	}
	if cmd.Flags().Changed("scale") {
		in.Scale = o.scale
	}
	if cmd.Flags().Changed("containers") {
		in.Containers = o.containers
	}
	r := &resolver.DefaultResolver{MaxSteps: o.cfg.Resolver.MaxSteps}
	if cmd.Flags().Changed("max-steps") {
		r.MaxSteps = o.maxSteps
	}

	log.FromContext(ctx).V(1).Info("resolving", "assembly", a.Name, "instances", len(a.Instances), "artifacts", in.Catalog.Len())
	plan, err := r.Resolve(ctx, in)
	if o.rejected {
		printRejected(cmd.OutOrStdout(), plan.Diagnostics)
	}
	if err != nil {
		return err
	}
	return printPlan(cmd.OutOrStdout(), plan)
}

func printPlan(out io.Writer, plan resolver.Plan) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tWORKER\tSCORE\tARTIFACT\tPORTS\tCONTAINERS")
	for _, b := range plan.Bindings {
		worker := b.Implementation.WorkerName
		if b.Implementation.StaticInstance != "" {
			worker += " (" + b.Implementation.StaticInstance + ")"
		}
		var ports []string
		for _, p := range b.Ports {
			ports = append(ports, p.Name+"@"+p.Connected)
		}
		for _, name := range b.Externalized {
			ports = append(ports, name+"@external")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", b.Name, worker, b.Score, b.Artifact, dash(strings.Join(ports, ",")), containerList(b.Containers))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if plan.Diagnostics.Truncated {
		fmt.Fprintf(out, "\nsearch budget exhausted after %d steps, plan may not be optimal\n", plan.Diagnostics.Steps)
	}
	return nil
}

func printRejected(out io.Writer, d resolver.Diagnostics) {
	if len(d.Rejected) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tREJECTED WORKER\tARTIFACT\tREASON")
	for _, r := range d.Rejected {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Instance, r.Worker, r.Artifact, r.Reason)
	}
	_ = tw.Flush()
	fmt.Fprintln(out)
}

// containerList compresses runs of equal indices: [0 0 0 1] is "0x3,1".
func containerList(cs []uint) string {
	var parts []string
	for i := 0; i < len(cs); {
		j := i
		for j < len(cs) && cs[j] == cs[i] {
			j++
		}
		if n := j - i; n > 1 {
			parts = append(parts, fmt.Sprintf("%dx%d", cs[i], n))
		} else {
			parts = append(parts, fmt.Sprint(cs[i]))
		}
		i = j
	}
	return dash(strings.Join(parts, ","))
}
