package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/patch"
)

func applyCmd() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "apply a patch archive to an installation",
		ArgsUsage: "<archive> <dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "scratch-dir",
				Usage: "parent directory for extraction (default: system temp)",
			},
		},
		Action: applyAction,
	}
}

func applyAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: patchkit apply <archive> <dir>")
	}
	archive, target := c.Args().Get(0), c.Args().Get(1)

	info, err := os.Stat(archive)
	if err != nil {
		return fmt.Errorf("%w: %w", patch.ErrSourceRead, err)
	}
	if err := checkFreeSpace(target, info.Size()); err != nil {
		return err
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	applier := patch.NewApplier(slog.Default())
	applier.ScratchDir = c.String("scratch-dir")
	res, err := applier.Apply(ctx, archive, target)
	if err != nil {
		return err
	}
	printApplyResult(res)
	return nil
}

func printApplyResult(res *patch.ApplyResult) {
	if res.Noop {
		fmt.Println("Nothing to apply.")
		return
	}
	name := res.Version
	if res.Metadata != nil && res.Metadata.PatchName != "" {
		name = res.Metadata.PatchName
	}
	fmt.Printf("Applied %s: %d files updated, %d removed",
		name, len(res.Copied), len(res.Deleted))
	if len(res.Missing) > 0 {
		fmt.Printf(", %d already gone", len(res.Missing))
	}
	fmt.Printf("\nNow at version %s\n", res.Version)
}
