// Package main is the entry point for the prerender tool.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/config"
	"github.com/rogers-f/prerender/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "prerender",
		Short: "Two-pass partial prerendering of pages",
		Long: `prerender renders a page twice at build time. The first pass warms the
content cache; the second captures a static shell plus the list of
request-only inputs the page reads. The server sends the shell and fills
in the rest per request.

Configuration is read from --config, $PRERENDER_CONFIG, or
prerender.yaml / prerender.json in the working directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Discover(c.configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if c.verbose {
				level = "debug"
			}
			logger, err := logging.New(logging.Options{Level: level, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML or JSON config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newBuildCmd(c),
		newServeCmd(c),
		newCacheCmd(c),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
