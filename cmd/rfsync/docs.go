package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

// docFormats maps a --format name to the subdirectory it is written to.
var docFormats = map[string]string{ //nolint:gochecknoglobals // read-only table
	"man":      "man1",
	"markdown": "md",
}

func newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-docs",
		Short: "Generate man pages and markdown for rfsync",
		Long: `Render the command tree for packaging. Man pages go to DIR/man1 and
markdown to DIR/md. SOURCE_DATE_EPOCH, when set, fixes the man page date so
builds are reproducible.`,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runGenDocs,
	}
	cmd.Flags().String("dir", "docs", "output directory")
	cmd.Flags().StringSlice("format", []string{"man"}, "formats to generate: man, markdown")
	return cmd
}

func runGenDocs(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")             //nolint:errcheck // flag name is hardcoded
	formats, _ := cmd.Flags().GetStringSlice("format") //nolint:errcheck // flag name is hardcoded

	for _, f := range formats {
		if _, ok := docFormats[f]; !ok {
			return fmt.Errorf("unknown format %q (use man or markdown)", f)
		}
	}

	root := cmd.Root()
	for _, f := range formats {
		out := filepath.Join(dir, docFormats[f])
		if err := os.MkdirAll(out, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}

		var err error
		switch f {
		case "man":
			err = doc.GenManTree(root, manHeader(), out)
		case "markdown":
			err = doc.GenMarkdownTreeCustom(root, out, markdownTitle, func(name string) string {
				return name
			})
		}
		if err != nil {
			return fmt.Errorf("generate %s: %w", f, err)
		}
	}
	return nil
}

func manHeader() *doc.GenManHeader {
	h := &doc.GenManHeader{
		Title:   "RFSYNC",
		Section: "1",
		Source:  "rfsync " + version,
		Manual:  "Remote build synchronization",
	}
	if epoch, err := strconv.ParseInt(os.Getenv("SOURCE_DATE_EPOCH"), 10, 64); err == nil {
		date := time.Unix(epoch, 0).UTC()
		h.Date = &date
	}
	return h
}

// markdownTitle prepends front matter naming the command, derived from the
// generated file name (rfsync_serve.md -> "rfsync serve").
func markdownTitle(filename string) string {
	name := strings.TrimSuffix(filepath.Base(filename), ".md")
	return "---\ntitle: " + strings.ReplaceAll(name, "_", " ") + "\n---\n\n"
}
