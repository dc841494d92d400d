package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/giantswarm/clusterlink/internal/cluster"
)

// clusterRow is one line of `clusterlink clusters`.
type clusterRow struct {
	ID         string `json:"id"`
	Context    string `json:"context"`
	State      string `json:"state"`
	Kubeconfig string `json:"kubeconfig"`
	Host       string `json:"host"`
}

func newClustersCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "List the clusters found in the kubeconfigs",
		Long: `List every kubeconfig context with the cluster ID used to route
proxy requests, either as {id}.localhost or in the X-Cluster-ID header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), commonAppConfig())
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			rows := clusterRows(a.clusters.List())
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case "", "table":
				return writeClusterTable(cmd.OutOrStdout(), rows)
			default:
				return fmt.Errorf("unknown output format %q: must be table or json", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func clusterRows(handlers []*cluster.ContextHandler) []clusterRow {
	rows := make([]clusterRow, 0, len(handlers))
	for _, h := range handlers {
		rows = append(rows, clusterRow{
			ID:         h.ID(),
			Context:    h.ContextName(),
			State:      h.State().String(),
			Kubeconfig: h.SourceKubeconfig(),
			Host:       h.ID() + ".localhost",
		})
	}
	return rows
}

func writeClusterTable(w io.Writer, rows []clusterRow) error {
	title := cases.Title(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CONTEXT\tID\tSTATE\tKUBECONFIG")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Context, r.ID, title.String(r.State), r.Kubeconfig)
	}
	return tw.Flush()
}
