package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the clusterlink application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "clusterlink",
	Short: "Local gateway to many Kubernetes clusters",
	Long: `clusterlink connects to every context of one or more kubeconfig files
and exposes them through a single local HTTP proxy. Requests to
/api-kube/... are routed to a cluster chosen by the {cluster-id}.localhost
host or the X-Cluster-ID header, with credentials injected by a per-cluster
auth proxy. Object stores keep resources in sync with list and watch, and
manifests are applied with kubectl.

When run without subcommands, it starts the proxy (equivalent to 'clusterlink serve').`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// globalFlags are shared by every subcommand.
var globalFlags struct {
	kubeconfig string
	logLevel   string
	logFormat  string
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "clusterlink version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.kubeconfig, "kubeconfig", "",
		"Kubeconfig files, separated by the OS path list separator (default: $KUBECONFIG or ~/.kube/config)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logFormat, "log-format", "",
		"Log format: text or json (default: $LOG_FORMAT or text)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newClustersCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newDeleteCmd())
}
