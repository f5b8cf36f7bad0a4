package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bayleafwalker/bindery-core/internal/library"
)

type artifactsOptions struct {
	*rootOptions
	spec   string
	worker string
	wide   bool
}

func newArtifactsCmd(root *rootOptions) *cobra.Command {
	o := &artifactsOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Scan the libraries and list artifacts and implementations",
		Long: `Scan every configured library location and list the artifacts found.
With --spec or --worker only the implementations that match the query and
the configured target are listed.`,
		Args: cobra.NoArgs,
		RunE: o.run,
	}
	cmd.Flags().StringVar(&o.spec, "spec", "", "List implementations of this component spec")
	cmd.Flags().StringVar(&o.worker, "worker", "", "List implementations of this worker")
	cmd.Flags().BoolVarP(&o.wide, "wide", "w", false, "Also list the implementations of every artifact")
	cmd.MarkFlagsMutuallyExclusive("spec", "worker")
	return cmd
}

func (o *artifactsOptions) run(cmd *cobra.Command, _ []string) error {
	m, closeAll, err := o.openLibraries(cmd.Context())
	if err != nil {
		return err
	}
	defer closeAll()
	cat := m.Catalog()
	out := cmd.OutOrStdout()

	if o.spec != "" || o.worker != "" {
		profile := o.cfg.Target.Profile()
		var matches []library.Match
		if o.spec != "" {
			matches = cat.FindImplementations(o.spec, profile, nil)
		} else {
			matches = cat.FindWorkers(o.worker, profile, nil)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tSPEC\tINSTANCE\tARTIFACT")
		for _, match := range matches {
			impl := cat.Implementation(match.ID)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", impl.WorkerName, impl.SpecName, dash(impl.StaticInstance), cat.Artifact(impl.Artifact).URL)
		}
		return tw.Flush()
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LIBRARY\tARTIFACT\tSIZE\tMODIFIED\tTARGET\tIMPLEMENTATIONS")
	for _, lib := range cat.Libraries() {
		for _, aid := range lib.Artifacts {
			a := cat.Artifact(aid)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
				lib.Name, a.URL,
				humanize.Bytes(uint64(a.Length)),
				humanize.Time(time.Unix(0, a.ModTime)),
				dash(a.Profile.String()),
				len(a.Implementations))
			if !o.wide {
				continue
			}
			for _, iid := range a.Implementations {
				impl := cat.Implementation(iid)
				name := impl.WorkerName
				if impl.StaticInstance != "" {
					name += " (" + impl.StaticInstance + ")"
				}
				fmt.Fprintf(tw, "\t  %s\t\t\t%s\t%s\n", name, dash(impl.SpecName), portSummary(impl))
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s artifacts in %d libraries\n", humanize.Comma(int64(cat.Len())), len(cat.Libraries()))
	return nil
}

func portSummary(impl *library.Implementation) string {
	var ports []string
	for n, p := range impl.Ports {
		role := "out"
		switch {
		case p.Bidirectional:
			role = "bidi"
		case p.Provider:
			role = "in"
		}
		s := p.Name + ":" + role
		if impl.IsInternal(n) {
			s += "*"
		}
		ports = append(ports, s)
	}
	return dash(strings.Join(ports, " "))
}
