package cmd

import (
	"errors"
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

// githubRepoSlug is the repository whose releases self-update installs from.
const githubRepoSlug = "giantswarm/clusterlink"

// newSelfUpdateCmd creates the Cobra command that replaces the running binary
// with the latest GitHub release.
func newSelfUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-update",
		Short: "Update clusterlink to the latest version",
		Long: `Check GitHub releases for a newer version of clusterlink and,
if one exists, replace the current binary with it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			current := rootCmd.Version
			if current == "" || current == "dev" {
				return errors.New("cannot self-update a development version")
			}

			ctx := cmd.Context()
			latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(githubRepoSlug))
			if err != nil {
				return fmt.Errorf("failed to detect latest version: %w", err)
			}
			if !found {
				return fmt.Errorf("no release found for %s", githubRepoSlug)
			}

			out := cmd.OutOrStdout()
			if latest.LessOrEqual(current) {
				_, _ = fmt.Fprintf(out, "clusterlink %s is up to date\n", current)
				return nil
			}

			exe, err := selfupdate.ExecutablePath()
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
				return fmt.Errorf("failed to update binary: %w", err)
			}

			_, _ = fmt.Fprintf(out, "updated clusterlink %s -> %s\n", current, latest.Version())
			return nil
		},
	}
}
