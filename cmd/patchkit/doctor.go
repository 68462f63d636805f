package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/urfave/cli/v2"

	"github.com/tqbf/patchkit/pkg/patch"
)

type check struct {
	name string
	err  error
	info string
}

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:      "doctor",
		Usage:     "check that an installation can be patched",
		ArgsUsage: "<dir>",
		Flags:     feedFlags(),
		Action:    doctorAction,
	}
}

func doctorAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: patchkit doctor <dir>")
	}
	dir := c.Args().Get(0)

	checks := []check{
		checkWritable(dir),
		checkDisk(dir),
		checkMarker(dir),
		checkLock(dir),
	}
	if c.String("feed") != "" {
		checks = append(checks, checkFeed(c))
	}

	failed := 0
	for _, ch := range checks {
		if ch.err != nil {
			failed++
			fmt.Printf("FAIL  %-10s %s\n", ch.name, describe(ch.err))
			continue
		}
		fmt.Printf("ok    %-10s %s\n", ch.name, ch.info)
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func checkWritable(dir string) check {
	ch := check{name: "target"}
	info, err := os.Stat(dir)
	if err != nil {
		ch.err = err
		return ch
	}
	if !info.IsDir() {
		ch.err = fmt.Errorf("%s is not a directory", dir)
		return ch
	}
	f, err := os.CreateTemp(dir, ".patchkit-doctor-*")
	if err != nil {
		ch.err = fmt.Errorf("%w: %w", patch.ErrDestWrite, err)
		return ch
	}
	f.Close()
	os.Remove(f.Name())
	ch.info = dir + " is writable"
	return ch
}

func checkDisk(dir string) check {
	ch := check{name: "disk"}
	usage, err := disk.Usage(dir)
	if err != nil {
		ch.err = err
		return ch
	}
	ch.info = fmt.Sprintf("%s free of %s (%.0f%% used)",
		humanBytes(int64(usage.Free)), humanBytes(int64(usage.Total)), usage.UsedPercent)
	return ch
}

func checkMarker(dir string) check {
	ch := check{name: "marker"}
	m, err := patch.ReadMarker(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ch.info = "none (fresh installation)"
	case err != nil:
		ch.err = err
	default:
		ch.info = fmt.Sprintf("version %s, updated %s", m.Version,
			m.LastUpdated.Local().Format(time.RFC3339))
	}
	return ch
}

func checkLock(dir string) check {
	ch := check{name: "lock"}
	path := filepath.Join(dir, patch.LockName)
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ch.info = "not held"
	case err != nil:
		ch.err = err
	case patch.LockIsStale(path):
		ch.info = "stale lock present, will be reclaimed"
	default:
		ch.err = patch.ErrLocked
	}
	return ch
}

func checkFeed(c *cli.Context) check {
	ch := check{name: "feed"}
	client, err := newFeedClient(c)
	if err != nil {
		ch.err = err
		return ch
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	sess, err := client.Dial(ctx)
	if err != nil {
		ch.err = err
		return ch
	}
	defer sess.Close()
	entries, err := sess.Index(ctx)
	if err != nil {
		ch.err = err
		return ch
	}
	ch.info = fmt.Sprintf("%s reachable, %d patch(es) for %s", client.BaseURL, len(entries), client.Platform)
	return ch
}
