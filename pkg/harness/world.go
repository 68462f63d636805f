// Package harness wires a producer, a feed server and installations
// together in temporary directories for end-to-end tests.
package harness

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tqbf/patchkit/pkg/config"
	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/feed"
	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/patch"
	"github.com/tqbf/patchkit/pkg/paths"
	"github.com/tqbf/patchkit/pkg/release"
)

// StepClock advances by Step on every call so each release gets a
// distinct patch name.
type StepClock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

func NewStepClock(start time.Time) *StepClock {
	return &StepClock{t: start, Step: time.Minute}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.Step)
	return c.t
}

// World is one producer publishing to one feed.
type World struct {
	Root     string
	Platform string
	Token    string

	cfg    *config.Config
	store  *manifest.Store
	cache  *digest.Cache
	clock  *StepClock
	logger *slog.Logger
	server *httptest.Server
}

// NewWorld creates the producer directories under a fresh temporary
// root and starts a feed server over the patches directory.
func NewWorld(platform, token string) (*World, error) {
	root, err := os.MkdirTemp("", "patchkit-world-")
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Platform = platform
	cfg.Paths.SourceDir = filepath.Join(root, "dist")
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Paths.PatchesDir = filepath.Join(root, "patches")
	if err := os.MkdirAll(cfg.Paths.SourceDir, 0755); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	if err := cfg.ValidateProducer(); err != nil {
		os.RemoveAll(root)
		return nil, err
	}

	cache, err := digest.NewCache(digest.DefaultCacheSize)
	if err != nil {
		os.RemoveAll(root)
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := feed.NewServer(cfg.Paths.PatchesDir, token, logger)

	return &World{
		Root:     root,
		Platform: platform,
		Token:    token,
		cfg:      cfg,
		store:    manifest.NewStore(cfg.ManifestDir()),
		cache:    cache,
		clock:    NewStepClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
		logger:   logger,
		server:   httptest.NewServer(srv.Handler()),
	}, nil
}

func (w *World) Close() {
	w.server.Close()
	os.RemoveAll(w.Root)
}

func (w *World) Source() string  { return w.cfg.Paths.SourceDir }
func (w *World) Patches() string { return w.cfg.Paths.PatchesDir }
func (w *World) URL() string     { return w.server.URL }

// Config exposes the producer configuration so tests can adjust scan
// rules between releases.
func (w *World) Config() *config.Config { return w.cfg }

// Write creates or overwrites files in the source tree.
func (w *World) Write(files map[string]string) error {
	for p, content := range files {
		full := filepath.Join(w.Source(), filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes files from the source tree.
func (w *World) Remove(relPaths ...string) error {
	for _, p := range relPaths {
		if err := os.Remove(filepath.Join(w.Source(), filepath.FromSlash(p))); err != nil {
			return err
		}
	}
	return nil
}

// Release runs the producer for the given version label.
func (w *World) Release(ctx context.Context, version string) (*release.Result, error) {
	w.cfg.Version = version
	e := release.NewEngine(w.cfg, w.store, w.logger, release.Options{
		Cache: w.cache,
		Clock: w.clock,
	})
	return e.Run(ctx)
}

// Client returns a feed client for this world, using token.
func (w *World) Client(token string) *feed.Client {
	return feed.NewClient(w.URL(), w.Platform, token)
}

// Update brings dir up to date from the feed.
func (w *World) Update(ctx context.Context, dir string) (*feed.UpdateResult, error) {
	applier := patch.NewApplier(w.logger)
	applier.Clock = w.clock
	u := &feed.Updater{
		Client:  w.Client(w.Token),
		Applier: applier,
		Logger:  w.logger,
	}
	return u.Update(ctx, dir)
}

// Snapshot reads every tracked file under dir, keyed by slash path.
// Bookkeeping entries are left out.
func Snapshot(dir string) (map[string]string, error) {
	skip := paths.DefaultSkipRule()
	skip.MaxFileSize = 0
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := paths.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip.SkipName(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	return out, nil
}
