package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/prerender"
)

func newBuildCmd(c *cli) *cobra.Command {
	var showDiff bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the two-pass build and write the artifacts",
		Long: `Runs the prospective pass to warm the cache, persists the cache, then
runs the final pass and writes shell.html, deferred.json, cache.json and
metadata.json to the artifact directory.

Exits with status 1 if either pass fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var prev *domain.BuildArtifacts
			if showDiff {
				prev, err = a.dir.Load()
				if err != nil && !errors.Is(err, domain.ErrArtifactsMissing) {
					return err
				}
			}

			artifacts, err := a.build(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, prerender.Summary(artifacts))

			if showDiff {
				if prev == nil {
					fmt.Fprintln(out, "no previous build to compare")
					return nil
				}
				diff, err := prerender.ShellDiff(
					"shell.html@"+prev.Metadata.BuildID, prev.ShellMarkup,
					"shell.html@"+artifacts.Metadata.BuildID, artifacts.ShellMarkup,
				)
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Fprintln(out, "shell unchanged")
				} else {
					fmt.Fprint(out, diff)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showDiff, "diff", false, "print a diff against the previous shell")
	return cmd
}
