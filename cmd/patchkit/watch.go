package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/release"
	"github.com/tqbf/patchkit/pkg/watch"
)

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "release a new patch whenever the source tree settles after a change",
		Flags: append(producerFlags(),
			&cli.DurationFlag{
				Name:  "debounce",
				Value: watch.DefaultDebounce,
				Usage: "quiet period before a release run",
			},
			&cli.IntFlag{
				Name:  "cache-size",
				Value: digest.DefaultCacheSize,
				Usage: "number of file digests remembered between runs",
			},
		),
		Action: watchAction,
	}
}

func watchAction(c *cli.Context) error {
	cfg, err := producerConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()

	cache, err := digest.NewCache(c.Int("cache-size"))
	if err != nil {
		return fmt.Errorf("create digest cache: %w", err)
	}
	logger := slog.Default()
	engine := release.NewEngine(cfg, manifest.NewStore(cfg.ManifestDir()), logger,
		release.Options{Cache: cache})

	src, err := filepath.Abs(cfg.Paths.SourceDir)
	if err != nil {
		return err
	}
	w := watch.New(src, cfg.SkipRule(), c.Duration("debounce"), logger)
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.PatchesDir} {
		if abs, err := filepath.Abs(dir); err == nil {
			w.Ignore = append(w.Ignore, abs)
		}
	}

	logger.Info("watching", "source", src, "debounce", c.Duration("debounce"))
	return w.Run(ctx, func(ctx context.Context) error {
		res, err := engine.Run(ctx)
		if err != nil {
			return err
		}
		if res.Entry != nil {
			fmt.Printf("Published %s (%s)\n", res.Entry.File, humanBytes(res.Entry.Size))
		}
		return nil
	})
}
