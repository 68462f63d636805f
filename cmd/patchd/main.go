package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/config"
	"github.com/tqbf/patchkit/pkg/feed"
)

const version = "0.1.0"

func main() {
	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stderr, nil),
	))

	app := &cli.App{
		Name:  "patchd",
		Usage: "serve published patches over websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"PATCHKIT_CONFIG"},
				Usage:   "YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "patches directory (paths.patches_dir)",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			indexCmd(),
			{
				Name:  "version",
				Usage: "print version",
				Action: func(c *cli.Context) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if d := c.String("dir"); d != "" {
		cfg.Paths.PatchesDir = d
	}
	if cfg.Paths.PatchesDir == "" {
		return nil, fmt.Errorf("no patches directory: use --dir or set paths.patches_dir")
	}
	return cfg, nil
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the feed server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen address (feed.listen_addr)",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"PATCHD_TOKEN"},
				Usage:   "bearer token clients must present",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			addr := c.String("listen")
			if addr == "" {
				addr = cfg.Feed.ListenAddr
			}
			token := c.String("token")
			if token == "" {
				if token, err = cfg.FeedToken(); err != nil {
					return err
				}
			}
			if token == "" && !strings.HasPrefix(addr, "127.0.0.1:") && !strings.HasPrefix(addr, "localhost:") {
				slog.Warn("serving without a token on a non-loopback address", "addr", addr)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := feed.NewServer(cfg.Paths.PatchesDir, token, slog.Default())
			return srv.ListenAndServe(ctx, addr)
		},
	}
}

func indexCmd() *cli.Command {
	return &cli.Command{
		Name:      "index",
		Usage:     "list the patches published for a platform",
		ArgsUsage: "<platform>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: patchd index <platform>")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			idx, err := feed.LoadIndex(cfg.Paths.PatchesDir, c.Args().Get(0))
			if err != nil {
				return err
			}
			if len(idx.Patches) == 0 {
				fmt.Println("No patches published.")
				return nil
			}
			for _, e := range idx.Patches {
				fmt.Printf("%s  %s -> %s  %d bytes  %s\n",
					e.Name, e.VersionFrom, e.VersionTo, e.Size, e.Digest)
			}
			return nil
		},
	}
}
