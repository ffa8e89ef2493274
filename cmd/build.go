package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/session"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build the project for production",
	Long: `Walk the module graph from the entries, transform every module through the
plugin pipeline and bundle the result into the output directory.

Entries default to the module scripts of the root index.html.

Examples:
  kiln build                      # Build into dist/
  kiln build --out-dir public     # Build into another directory
  kiln build --tolerate-errors    # Emit failing modules as throwing stubs`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("out-dir", "o", "dist", "Output directory")
	buildCmd.Flags().StringSlice("entry", nil, "Entry module (repeatable)")
	buildCmd.Flags().Bool("minify", true, "Minify output")
	buildCmd.Flags().Bool("sourcemap", false, "Emit source maps")
	buildCmd.Flags().Bool("tolerate-errors", false, "Keep building when modules fail")
	buildCmd.Flags().IntP("workers", "j", 8, "Concurrent transforms")

	bindFlags(buildCmd.Flags(), map[string]string{
		"build.out_dir":         "out-dir",
		"build.entries":         "entry",
		"build.minify":          "minify",
		"build.sourcemap":       "sourcemap",
		"build.tolerate_errors": "tolerate-errors",
		"build.workers":         "workers",
	})
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Mode = config.ModeProduction
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer sess.Close(cmd.Context())

	report, err := sess.Build(cmd.Context())
	if report != nil {
		printReport(cmd.OutOrStdout(), cfg, report)
	}
	return err
}

func printReport(w io.Writer, cfg *config.Config, report *build.Report) {
	for _, f := range report.Failures {
		fmt.Fprintf(w, "✗ %s: %v\n", f.ID, f.Err)
	}
	if report.Manifest != nil {
		entries := make([]string, 0, len(report.Manifest.Entries))
		for entry := range report.Manifest.Entries {
			entries = append(entries, entry)
		}
		sort.Strings(entries)
		for _, entry := range entries {
			fmt.Fprintf(w, "  %s → %s\n", entry, report.Manifest.Entries[entry].File)
		}
	}
	fmt.Fprintf(w, "%d modules transformed, %d failed, in %s\n",
		report.Modules.Len(), len(report.Failures), report.Duration.Round(time.Millisecond))
	if report.Manifest != nil {
		fmt.Fprintf(w, "%d files written to %s\n", len(report.Manifest.Files), cfg.OutDir())
	}
}
