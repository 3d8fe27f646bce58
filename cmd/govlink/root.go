package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "govlink",
		Short: "Canonicalize URLs onto the .gov top-level domain",
		Long: `govlink rewrites the top-level domain of a URL to .gov and reduces its
query string to one value per parameter name, compared case-insensitively.

Usage:
  govlink normalize <url>... [flags]
  cat urls.txt | govlink normalize --exclude utm_source,fbclid`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newNormalizeCmd())
	return root
}
