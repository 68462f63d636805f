package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/manifest"
)

func diffCmd() *cli.Command {
	return &cli.Command{
		Name:  "diff",
		Usage: "show what the next release would package",
		Flags: append(producerFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "JSON output",
			},
		),
		Action: diffAction,
	}
}

type diffJSON struct {
	Changes []diffChange `json:"changes"`
	Deletes []string     `json:"deletes"`
	Summary diffSummary  `json:"summary"`
}

type diffChange struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Reason string `json:"reason"`
}

type diffSummary struct {
	ChangeCount int   `json:"change_count"`
	ChangeBytes int64 `json:"change_bytes"`
	DeleteCount int   `json:"delete_count"`
	Packaged    bool  `json:"packaged"`
}

func diffAction(c *cli.Context) error {
	cfg, err := producerConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()

	prev, err := manifest.NewStore(cfg.ManifestDir()).Load(cfg.Platform)
	if err != nil {
		return fmt.Errorf("load previous manifest: %w", err)
	}
	b := manifest.NewBuilder(cfg.SkipRule(), cfg.Version)
	b.Workers = cfg.Scan.Workers
	cur, err := b.Build(ctx, cfg.Paths.SourceDir)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	cs := manifest.Diff(prev, cur)

	if c.Bool("json") {
		return printDiffJSON(cs, cur)
	}

	if cs.Empty() {
		fmt.Println("No changes since the last release.")
		return nil
	}

	printChanges(cs, cur)

	var sb strings.Builder
	fmt.Fprintf(&sb, "---\n")
	fmt.Fprintf(&sb, "%d to package (%s)",
		len(cs.New)+len(cs.Modified), humanBytes(cur.TotalSize(cs.Payload())))
	if len(cs.Deleted) > 0 {
		fmt.Fprintf(&sb, ", %d to delete", len(cs.Deleted))
	}
	fmt.Fprintf(&sb, "\n")
	if !cs.HasPayload() {
		fmt.Fprintf(&sb, "Deletion-only changes are not packaged on their own.\n")
	}
	fmt.Print(sb.String())
	return nil
}

func printDiffJSON(cs manifest.ChangeSet, cur *manifest.Manifest) error {
	out := diffJSON{
		Changes: make([]diffChange, 0, len(cs.New)+len(cs.Modified)),
		Deletes: cs.Deleted,
		Summary: diffSummary{
			ChangeCount: len(cs.New) + len(cs.Modified),
			DeleteCount: len(cs.Deleted),
			Packaged:    cs.HasPayload(),
		},
	}
	if out.Deletes == nil {
		out.Deletes = []string{}
	}

	isNew := make(map[string]bool, len(cs.New))
	for _, p := range cs.New {
		isNew[p] = true
	}
	for _, p := range cs.Payload() {
		reason := "modified"
		if isNew[p] {
			reason = "new"
		}
		size := cur.Files[p].Size
		out.Changes = append(out.Changes, diffChange{Path: p, Size: size, Reason: reason})
		out.Summary.ChangeBytes += size
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
