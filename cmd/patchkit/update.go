package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/feed"
	"github.com/tqbf/patchkit/pkg/patch"
)

func feedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "feed",
			Usage: "patch feed base URL (feed.url)",
		},
		&cli.StringFlag{
			Name:    "token",
			EnvVars: []string{"PATCHKIT_TOKEN"},
			Usage:   "patch feed token",
		},
	}
}

func updateCmd() *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "download and apply every newer patch from a feed",
		ArgsUsage: "<dir>",
		Flags:     feedFlags(),
		Action:    updateAction,
	}
}

func newFeedClient(c *cli.Context) (*feed.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	url := c.String("feed")
	if url == "" {
		url = cfg.Feed.URL
	}
	if url == "" {
		return nil, fmt.Errorf("no feed: use --feed or set feed.url")
	}
	token := c.String("token")
	if token == "" {
		if token, err = cfg.FeedToken(); err != nil {
			return nil, err
		}
	}
	return feed.NewClient(url, cfg.Platform, token), nil
}

// installedVersion reads the marker in dir, treating a missing marker
// as an empty installation.
func installedVersion(dir string) (string, error) {
	if _, err := patch.ReadMarker(dir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("no version marker, assuming empty installation", "dir", dir)
	}
	return feed.InstalledVersion(dir)
}

func updateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: patchkit update <dir>")
	}
	target := c.Args().Get(0)

	client, err := newFeedClient(c)
	if err != nil {
		return err
	}
	if _, err := installedVersion(target); err != nil {
		return err
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	u := &feed.Updater{
		Client:  client,
		Applier: patch.NewApplier(slog.Default()),
		BeforeApply: func(dir string, e feed.Entry) error {
			return checkFreeSpace(dir, e.Size)
		},
	}
	res, err := u.Update(ctx, target)
	if res != nil {
		for _, applied := range res.Applied {
			printApplyResult(applied)
		}
	}
	if err != nil {
		return err
	}
	if len(res.Pending) == 0 {
		fmt.Printf("Already up to date (%s).\n", res.From)
	}
	return nil
}
