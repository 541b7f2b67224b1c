// Package main is the codelia CLI: an interactive front end for the
// agent execution core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "codelia",
		Short: "Tool-using agent execution core",
		Long: `codelia drives an LLM through a reason-act loop with tool calls,
context compaction, and tool-output caching.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newModelsCmd())
	return root
}
