package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/feed"
	"github.com/tqbf/patchkit/pkg/patch"
)

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show the installed version and pending patches",
		ArgsUsage: "<dir>",
		Flags:     feedFlags(),
		Action:    statusAction,
	}
}

func statusAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: patchkit status <dir>")
	}
	dir := c.Args().Get(0)

	m, err := patch.ReadMarker(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Println("Version: none (no version marker)")
	case err != nil:
		return err
	default:
		fmt.Printf("Version: %s\n", m.Version)
		fmt.Printf("Updated: %s\n", m.LastUpdated.Local().Format(time.RFC1123))
	}

	if c.String("feed") == "" {
		return nil
	}
	client, err := newFeedClient(c)
	if err != nil {
		return err
	}
	installed, err := installedVersion(dir)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(c)
	defer cancel()
	sess, err := client.Dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	entries, err := sess.Index(ctx)
	if err != nil {
		return err
	}

	idx := &feed.Index{Platform: client.Platform, Patches: entries}
	pending := idx.Newer(installed)
	if len(pending) == 0 {
		fmt.Println("Up to date.")
		return nil
	}
	var total int64
	for _, e := range pending {
		fmt.Printf("  %s  %s -> %s (%s)\n", e.Name, e.VersionFrom, e.VersionTo, humanBytes(e.Size))
		total += e.Size
	}
	fmt.Printf("---\n%d pending (%s)\n", len(pending), humanBytes(total))
	return nil
}

func initMarkerCmd() *cli.Command {
	return &cli.Command{
		Name:      "init-marker",
		Usage:     "record the version of a freshly installed tree",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "release-version",
				Required: true,
				Usage:    "version of the installed tree",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite an existing marker",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: patchkit init-marker --release-version <v> <dir>")
			}
			dir := c.Args().Get(0)
			if _, err := patch.ReadMarker(dir); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already has a version marker (use --force)", dir)
			}
			m := patch.Marker{Version: c.String("release-version"), LastUpdated: time.Now()}
			if err := patch.WriteMarker(dir, m); err != nil {
				return fmt.Errorf("%w: %w", patch.ErrDestWrite, err)
			}
			fmt.Printf("Marked %s as version %s\n", dir, m.Version)
			return nil
		},
	}
}
