package main

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/release"
)

func releaseCmd() *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "package changes since the last release and publish the patch",
		Flags: append(producerFlags(),
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "show what would be packaged",
			},
		),
		Action: releaseAction,
	}
}

func releaseAction(c *cli.Context) error {
	cfg, err := producerConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()

	store := manifest.NewStore(cfg.ManifestDir())
	engine := release.NewEngine(cfg, store, slog.Default(), release.Options{
		DryRun: c.Bool("dry-run"),
	})
	res, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	switch {
	case res.Archive != nil:
		fmt.Printf("Published %s (%s, %d files, %d deletions)\n",
			res.Entry.File,
			humanBytes(res.Archive.Size),
			len(res.Archive.Packed),
			len(res.Archive.Deleted))
		fmt.Printf("  %s -> %s\n", res.Entry.VersionFrom, res.Entry.VersionTo)
	case c.Bool("dry-run") && res.Changes.HasPayload():
		printChanges(res.Changes, res.Current)
	case res.Changes.Empty():
		fmt.Println("Nothing to package.")
	default:
		fmt.Printf("Nothing packaged: %d deletion(s) only.\n", len(res.Changes.Deleted))
	}
	return nil
}
