package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rogers-f/prerender/internal/store"
)

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the persisted content cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show persisted cache entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDB(c.cfg.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()

				entries, err := (&store.CacheRepo{}).LoadAll(cmd.Context(), db)
				if err != nil {
					return err
				}
				size := 0
				for _, e := range entries {
					size += len(e.Value)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d entries, %s\n", len(entries), humanize.Bytes(uint64(size)))
				if len(entries) > 0 {
					fmt.Fprintln(out, strings.Repeat("-", 50))
				}
				for _, e := range entries {
					fmt.Fprintf(out, "  %-40s %s\n", e.Name+":"+e.Args, humanize.Bytes(uint64(len(e.Value))))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every persisted cache entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDB(c.cfg.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()

				n, err := (&store.CacheRepo{}).DeleteAll(cmd.Context(), db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", humanize.Comma(n)+" "+plural(n, "entry", "entries"))
				return nil
			},
		},
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config discovery.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "prerender %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
