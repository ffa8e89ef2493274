package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/version"
)

var (
	versionFormat   string
	versionDetailed bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the kiln version, commit, build time, Go version and platform.

Examples:
  kiln version                # Short version
  kiln version --detailed     # Every build field
  kiln version --format json  # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json, yaml)")
	versionCmd.Flags().BoolVar(&versionDetailed, "detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, _ []string) error {
	info := version.Get()
	switch versionFormat {
	case "text":
		if versionDetailed {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "kiln "+info.Short())
		}
		return nil
	default:
		return writeAs(cmd.OutOrStdout(), versionFormat, info)
	}
}
