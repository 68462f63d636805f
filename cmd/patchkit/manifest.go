package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/manifest"
)

func manifestCmd() *cli.Command {
	return &cli.Command{
		Name:      "manifest",
		Usage:     "print the manifest of a directory",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "exclude pattern (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "JSON output in the stored manifest format",
			},
		},
		Action: manifestAction,
	}
}

func manifestAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: patchkit manifest <dir>")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Scan.Excludes = append(cfg.Scan.Excludes, c.StringSlice("exclude")...)

	ctx, cancel := commandContext(c)
	defer cancel()

	b := manifest.NewBuilder(cfg.SkipRule(), cfg.Version)
	b.Workers = cfg.Scan.Workers
	m, err := b.Build(ctx, c.Args().Get(0))
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}

	var sb strings.Builder
	for _, p := range m.Paths() {
		rec := m.Files[p]
		fmt.Fprintf(&sb, "%s  %10s  %s\n", rec.Hash, humanBytes(rec.Size), p)
	}
	fmt.Fprintf(&sb, "---\n%d files (%s)\n", m.Len(), humanBytes(m.TotalSize(m.Paths())))
	fmt.Print(sb.String())
	return nil
}
