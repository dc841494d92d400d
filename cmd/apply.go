package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/clusterlink/internal/applier"
)

type manifestFlags struct {
	cluster string
	files   []string
}

func (f *manifestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.cluster, "cluster", "c", "", "Cluster ID or kubeconfig context name")
	cmd.Flags().StringArrayVarP(&f.files, "filename", "f", nil, "Manifest file, or - for stdin (repeatable)")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("filename")
}

func newApplyCmd() *cobra.Command {
	var flags manifestFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply manifests to a cluster with kubectl",
		Long: `Apply manifests to a cluster through its local auth proxy. Each file
is passed to kubectl apply; kubectl reads the session kubeconfig, so no
credentials from the source kubeconfig reach the child process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifests(cmd, flags, func(a *applier.Applier, manifests []string) (string, error) {
				return a.ApplyAll(cmd.Context(), manifests)
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		flags          manifestFlags
		ignoreNotFound bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the resources of manifests from a cluster with kubectl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifests(cmd, flags, func(a *applier.Applier, manifests []string) (string, error) {
				var extra []string
				if ignoreNotFound {
					extra = append(extra, "--ignore-not-found")
				}
				return a.DeleteAll(cmd.Context(), manifests, extra...)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&ignoreNotFound, "ignore-not-found", false, "Treat missing resources as deleted")
	return cmd
}

func runManifests(cmd *cobra.Command, flags manifestFlags, run func(*applier.Applier, []string) (string, error)) error {
	manifests, err := readManifests(cmd.InOrStdin(), flags.files)
	if err != nil {
		return err
	}

	config := commonAppConfig()
	a, err := newApp(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	h, err := a.findCluster(flags.cluster)
	if err != nil {
		return err
	}
	if err := h.Connect(cmd.Context()); err != nil {
		return err
	}

	out, err := run(a.newApplier(h, applier.NewKubectlExecutor(config.Kubectl)), manifests)
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), out)
	return err
}

// readManifests returns the content of every file; "-" reads stdin once.
func readManifests(stdin io.Reader, files []string) ([]string, error) {
	manifests := make([]string, 0, len(files))
	readStdin := false
	for _, name := range files {
		var (
			data []byte
			err  error
		)
		if name == "-" {
			if readStdin {
				return nil, fmt.Errorf("stdin can only be read once")
			}
			readStdin = true
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", name, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("manifest %s is empty", name)
		}
		manifests = append(manifests, string(data))
	}
	return manifests, nil
}
