package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/tqbf/patchkit/pkg/harness"
	"github.com/tqbf/patchkit/pkg/patch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// step is one release: files written, then files removed.
type step struct {
	version string
	write   map[string]string
	remove  []string
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	platform := "linux"
	if len(os.Args) > 1 {
		platform = os.Args[1]
	}

	w, err := harness.NewWorld(platform, randHex(16))
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Println("=== World ===")
	fmt.Printf("Platform: %s\n", platform)
	fmt.Printf("Source:   %s\n", w.Source())
	fmt.Printf("Patches:  %s\n", w.Patches())
	fmt.Printf("Feed:     %s\n\n", w.URL())

	w.Config().Scan.Excludes = []string{"*.pyc", "__pycache__", "*.swp"}

	install, err := os.MkdirTemp("", "patchkit-install-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(install)

	steps := []step{
		{
			version: "1.0.0",
			write:   buildTree(),
		},
		{
			version: "1.1.0",
			write: map[string]string{
				"bin/game":            "game binary v1.1 " + randHex(64),
				"assets/levels/4.lvl": "level four",
			},
		},
		{
			version: "1.1.1",
			remove:  []string{"assets/levels/2.lvl"},
		},
		{
			version: "1.2.0",
			write: map[string]string{
				"lib/engine.so":             "engine v1.2 " + randHex(128),
				"scripts/__pycache__/x.pyc": "bytecode",
			},
			remove: []string{"docs/CHANGELOG"},
		},
	}

	for i, s := range steps {
		fmt.Printf("=== Release %s ===\n", s.version)
		if err := w.Write(s.write); err != nil {
			return err
		}
		if err := w.Remove(s.remove...); err != nil {
			return err
		}
		res, err := w.Release(ctx, s.version)
		if err != nil {
			return fmt.Errorf("release %s: %w", s.version, err)
		}
		cs := res.Changes
		fmt.Printf("  new=%d modified=%d deleted=%d\n",
			len(cs.New), len(cs.Modified), len(cs.Deleted))
		if res.Archive == nil {
			fmt.Println("  nothing packaged")
		} else {
			fmt.Printf("  %s (%s, %s)\n",
				res.Entry.File, humanBytes(res.Archive.Size), res.Archive.Digest[:12])
		}

		// Update the installation every other release to exercise
		// catching up across several patches.
		if i%2 == 1 || i == len(steps)-1 {
			if err := updateAndVerify(ctx, w, install); err != nil {
				return err
			}
		}
		fmt.Println()
	}

	fmt.Println("=== Re-running update ===")
	res, err := w.Update(ctx, install)
	if err != nil {
		return err
	}
	if len(res.Pending) != 0 {
		return fmt.Errorf("expected nothing pending, got %d", len(res.Pending))
	}
	fmt.Printf("  up to date at %s\n", res.From)
	return nil
}

func updateAndVerify(ctx context.Context, w *harness.World, install string) error {
	res, err := w.Update(ctx, install)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	fmt.Printf("  update from %s: %d patch(es)\n", res.From, len(res.Applied))
	for _, a := range res.Applied {
		fmt.Printf("    %s -> %s: copied=%d deleted=%d\n",
			a.Metadata.VersionFrom, a.Version, len(a.Copied), len(a.Deleted))
	}

	want, err := harness.Snapshot(w.Source())
	if err != nil {
		return err
	}
	got, err := harness.Snapshot(install)
	if err != nil {
		return err
	}
	// Excluded files stay on the producer side only.
	for p := range want {
		if w.Config().SkipRule().SkipName(p) || hasExcludedDir(w, p) {
			delete(want, p)
		}
	}
	if !reflect.DeepEqual(want, got) {
		return fmt.Errorf("installation differs from source:\n  want %v\n  got  %v",
			keys(want), keys(got))
	}
	m, err := patch.ReadMarker(install)
	if err != nil {
		return err
	}
	fmt.Printf("  verified %d files at version %s\n", len(got), m.Version)
	return nil
}

func hasExcludedDir(w *harness.World, p string) bool {
	skip := w.Config().SkipRule()
	for i := 0; i < len(p); i++ {
		if p[i] == '/' && skip.SkipName(p[:i]) {
			return true
		}
	}
	return false
}

func buildTree() map[string]string {
	return map[string]string{
		"bin/game":            "game binary v1.0 " + randHex(64),
		"lib/engine.so":       "engine v1.0 " + randHex(128),
		"lib/audio.so":        "audio " + randHex(32),
		"assets/levels/1.lvl": "level one",
		"assets/levels/2.lvl": "level two",
		"assets/levels/3.lvl": "level three",
		"assets/ui/font.ttf":  randHex(256),
		"docs/README":         "readme",
		"docs/CHANGELOG":      "1.0.0: initial",
		"scripts/boot.py":     "print('boot')",
		"scripts/boot.pyc":    "bytecode",
		"config/default.ini":  "[game]\nfullscreen=1\n",
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func randHex(n int) string {
	b := make([]byte, n/2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
