package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/config"
	"github.com/tqbf/patchkit/pkg/feed"
	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/patch"
)

const appVersion = "0.1.0"

func main() {
	app := &cli.App{
		Name:  "patchkit",
		Usage: "build, publish and apply manifest-diff patches",
		Before: func(c *cli.Context) error {
			return configureLogging(c.Bool("verbose"), c.String("log-format"))
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"PATCHKIT_CONFIG"},
				Usage:   "YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "platform",
				Usage: "target platform (linux, darwin, windows)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "operation timeout (0 for none)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "verbose output",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "log format: text or json",
			},
		},
		Commands: []*cli.Command{
			manifestCmd(),
			diffCmd(),
			releaseCmd(),
			watchCmd(),
			applyCmd(),
			updateCmd(),
			statusCmd(),
			initMarkerCmd(),
			doctorCmd(),
			{
				Name:  "version",
				Usage: "print version",
				Action: func(c *cli.Context) error {
					fmt.Println(appVersion)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", describe(err))
		os.Exit(1)
	}
}

func configureLogging(verbose bool, format string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("--log-format must be text or json")
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig reads --config if given, then applies global overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if p := c.String("platform"); p != "" {
		cfg.Platform = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func producerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "source",
			Usage: "tree to package (paths.source_dir)",
		},
		&cli.StringFlag{
			Name:  "state-dir",
			Usage: "where manifests are kept (paths.state_dir)",
		},
		&cli.StringFlag{
			Name:  "patches-dir",
			Usage: "where patches are published (paths.patches_dir)",
		},
		&cli.StringFlag{
			Name:  "release-version",
			Usage: "version label of the tree being packaged",
		},
		&cli.StringSliceFlag{
			Name:  "exclude",
			Usage: "exclude pattern (repeatable)",
		},
	}
}

// producerConfig layers command flags over the loaded configuration.
func producerConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if v := c.String("source"); v != "" {
		cfg.Paths.SourceDir = v
	}
	if v := c.String("state-dir"); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := c.String("patches-dir"); v != "" {
		cfg.Paths.PatchesDir = v
	}
	if v := c.String("release-version"); v != "" {
		cfg.Version = v
	}
	if ex := c.StringSlice("exclude"); len(ex) > 0 {
		cfg.Scan.Excludes = append(cfg.Scan.Excludes, ex...)
	}
	if err := cfg.ValidateProducer(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// commandContext is cancelled on SIGINT/SIGTERM and after --timeout.
func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if d := c.Duration("timeout"); d > 0 {
		tctx, cancel := context.WithTimeout(ctx, d)
		return tctx, func() { cancel(); stop() }
	}
	return ctx, stop
}

// describe turns an error into the one-line message shown to users.
func describe(err error) string {
	var apiErr *feed.APIError
	switch {
	case errors.Is(err, patch.ErrLocked):
		return "another patch application is in progress for this directory"
	case errors.Is(err, feed.ErrDigestMismatch):
		return "could not read source: " + err.Error()
	case errors.As(err, &apiErr):
		return "could not connect to patch feed: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "interrupted"
	}
	return err.Error()
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func printChanges(cs manifest.ChangeSet, cur *manifest.Manifest) {
	var b strings.Builder
	isNew := make(map[string]bool, len(cs.New))
	for _, p := range cs.New {
		isNew[p] = true
	}
	for _, p := range cs.Payload() {
		prefix := "~"
		if isNew[p] {
			prefix = "+"
		}
		fmt.Fprintf(&b, "  %s %s (%s)\n", prefix, p, humanBytes(cur.Files[p].Size))
	}
	for _, p := range cs.Deleted {
		fmt.Fprintf(&b, "  - %s\n", p)
	}
	fmt.Print(b.String())
}
