package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/kiln/internal/session"
)

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph [url...]",
	Short: "Print the module graph",
	Long: `Transform the given URLs, or the entries when none are given, and
everything they import, then print the resulting module graph.

Examples:
  kiln graph                       # Graph of the index.html entries
  kiln graph /src/main.ts          # Graph of one module
  kiln graph --format yaml         # Print as YAML`,
	RunE: runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)

	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "json", "Output format (json, yaml)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	if graphFormat != "json" && graphFormat != "yaml" {
		return fmt.Errorf("unsupported format: %s (supported: json, yaml)", graphFormat)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer sess.Close(cmd.Context())

	if err := sess.Crawl(cmd.Context(), args); err != nil {
		logger.Warn(cmd.Context(), err, "Some modules failed to transform")
	}
	return writeAs(cmd.OutOrStdout(), graphFormat, sess.Graph.Snapshot())
}

func writeAs(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}
