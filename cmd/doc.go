// Package cmd provides the command-line interface for clusterlink.
//
// This package implements a Cobra-based CLI with multiple subcommands:
//   - serve: Starts the local proxy (default behavior when no subcommand is provided)
//   - clusters: Lists the kubeconfig contexts and their cluster IDs
//   - watch: Lists and watches one resource through an in-process proxy
//   - apply, delete: Run kubectl against a cluster's session kubeconfig
//   - version: Displays the application version
//   - self-update: Updates the binary to the latest version from GitHub releases
//
// Command Structure:
//
//	clusterlink [flags]                         # Starts the proxy (default)
//	clusterlink serve --addr 127.0.0.1:8999     # Explicitly starts the proxy
//	clusterlink clusters -o json                # Lists clusters
//	clusterlink watch -c prod /api/v1/pods      # Prints pods on every change
//	clusterlink apply -c prod -f app.yaml       # Applies a manifest
//	clusterlink version                         # Shows version information
//
// Every flag can also be set through the environment (KUBECONFIG, LOG_LEVEL,
// LOG_FORMAT and the CLUSTERLINK_* variables); a flag given on the command
// line wins.
package cmd
