package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "treemirror",
		Short: "Mirror document trees into local directories and sync edits back",
		Long: `treemirror copies a granted document tree into a private mirror directory,
watches the mirror for local edits and writes them back to the origin tree.

Run "treemirror serve" for the control API, or "treemirror open" for a
foreground session on a single folder.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("TREEMIRROR_CONFIG"), "config file (defaults only when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCmd(opts),
		newOpenCmd(opts),
		newListCmd(opts),
		newForgetCmd(opts),
		newGrantCmd(opts),
		newRevokeCmd(opts),
		newUsageCmd(opts),
		newClearMirrorsCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "treemirror %s\n", version)
			},
		},
	)
	return root
}
