package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bayleafwalker/bindery-core/internal/assembly"
)

type parseOptions struct {
	*rootOptions
	params []string
}

func newParseCmd(root *rootOptions) *cobra.Command {
	o := &parseOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "parse FILE",
		Short: "Parse an assembly and print its instances and connections",
		Long: `Parse an XML or YAML assembly, apply parameter overrides and print the
resulting instances and connections.

Examples:
  bindery parse app.xml
  bindery parse app.yaml --param property=gain=3 --param worker=filt1=filt.hdl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.load(args[0])
			if err != nil {
				return err
			}
			return printAssembly(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringArrayVarP(&o.params, "param", "p", nil, "Override as <kind>=[<instance>]=<value>, kind is worker, selection, property or transport")
	return cmd
}

func (o *parseOptions) load(file string) (*assembly.Assembly, error) {
	params, err := assembly.ParseParams(o.params)
	if err != nil {
		return nil, err
	}
	return assembly.ParseFile(file, params)
}

func printAssembly(out io.Writer, a *assembly.Assembly) error {
	fmt.Fprintf(out, "assembly %s (package %s, mapping %s)\n\n", a.Name, a.Package, a.Mapping.Kind)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSPEC\tWORKER\tSELECTION\tPROPERTIES")
	for _, inst := range a.Instances {
		var props []string
		for _, p := range inst.Properties {
			if p.HasValue {
				props = append(props, p.Name+"="+p.Value)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inst.Name, dash(inst.SpecName), dash(inst.WorkerName), dash(inst.Selection), dash(strings.Join(props, ",")))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(a.Connections) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTION\tPORTS\tEXTERNALS\tTRANSPORT")
	for _, c := range a.Connections {
		var ports, exts []string
		for _, pid := range c.Ports {
			ports = append(ports, portLabel(a, pid))
		}
		for _, e := range c.Externals {
			exts = append(exts, e.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, dash(strings.Join(ports, ",")), dash(strings.Join(exts, ",")), dash(c.Transport))
	}
	return tw.Flush()
}

// portLabel names a port as instance.port, or instance.<role> when the
// port name is left to resolution.
func portLabel(a *assembly.Assembly, id assembly.PortID) string {
	p := a.Ports[id]
	name := p.Name
	if name == "" {
		name = "<" + p.Role.String() + ">"
	}
	return a.Instances[p.Instance].Name + "." + name
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
