package release

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/tqbf/patchkit/pkg/config"
	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/feed"
	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/patch"
)

// Options tunes an Engine.
type Options struct {
	DryRun bool
	// Cache is shared across runs so unchanged files are not rehashed.
	Cache *digest.Cache
	Clock patch.Clock
}

// Engine runs the producer side: scan the source tree, diff it against
// the stored manifest, package and publish a patch, then store the new
// manifest.
type Engine struct {
	cfg    *config.Config
	store  *manifest.Store
	logger *slog.Logger
	opts   Options

	// beforePackage runs between the diff and packaging.
	beforePackage func()
}

func NewEngine(cfg *config.Config, store *manifest.Store, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = patch.RealClock{}
	}
	return &Engine{cfg: cfg, store: store, logger: logger, opts: opts}
}

// Result summarizes one run. Archive and Entry are nil when nothing was
// packaged.
type Result struct {
	Previous *manifest.Manifest
	Current  *manifest.Manifest
	Changes  manifest.ChangeSet
	Archive  *patch.Archive
	Entry    *feed.Entry
}

// Run executes one producer pass. The stored manifest is replaced only
// after the patch has been packaged and published, as the last step.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	platform := e.cfg.Platform
	src := e.cfg.Paths.SourceDir
	e.logger.Info("starting release run",
		"platform", platform,
		"source", src,
		"dry_run", e.opts.DryRun)

	prev, err := e.store.Load(platform)
	if err != nil {
		return nil, fmt.Errorf("load previous manifest: %w", err)
	}

	now := e.opts.Clock.Now().UTC()
	name := patch.PatchName(now)
	version := e.cfg.Version
	if version == "" {
		version = name
	}

	builder := manifest.NewBuilder(e.cfg.SkipRule(), version)
	builder.Workers = e.cfg.Scan.Workers
	builder.Cache = e.opts.Cache
	builder.Logger = e.logger
	cur, err := builder.Build(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}

	cs := manifest.Diff(prev, cur)
	res := &Result{Previous: prev, Current: cur, Changes: cs}
	e.logger.Info("change set",
		"files", cur.Len(),
		"new", len(cs.New),
		"modified", len(cs.Modified),
		"deleted", len(cs.Deleted))

	if !cs.HasPayload() {
		if len(cs.Deleted) > 0 {
			e.logger.Warn("deletion-only changes are not packaged", "deleted", len(cs.Deleted))
		} else {
			e.logger.Info("no changes to package")
		}
		return res, nil
	}

	if err := checkVersionAdvances(prev.Version, version); err != nil {
		return nil, err
	}

	if e.opts.DryRun {
		e.logChanges(cs)
		e.logger.Info("dry-run complete, nothing written")
		return res, nil
	}

	format, err := patch.FormatFor(platform)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(
		feed.PlatformDir(e.cfg.Paths.PatchesDir, platform),
		name+format.Kind().Ext(),
	)
	if _, err := os.Stat(out); err == nil {
		return nil, fmt.Errorf("patch %s already exists", out)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", out, err)
	}

	if e.beforePackage != nil {
		e.beforePackage()
	}
	arc, err := patch.Package(cs, src, out, patch.Options{
		Format:      format,
		Name:        name,
		VersionFrom: prev.Version,
		VersionTo:   version,
		Created:     now,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("package patch: %w", err)
	}
	res.Archive = arc

	entry, err := e.publish(arc)
	if err != nil {
		return nil, err
	}
	res.Entry = entry

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	revertSkipped(prev, cur, arc.Skipped)
	if err := e.store.Save(platform, cur); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}

	e.logger.Info("patch published",
		"name", arc.Metadata.PatchName,
		"path", arc.Path,
		"version", version,
		"size", arc.Size,
		"skipped", len(arc.Skipped))
	return res, nil
}

// revertSkipped puts files that were not packaged back to their
// previous state in cur, so the next run sees them as changed again.
func revertSkipped(prev, cur *manifest.Manifest, skipped []string) {
	for _, p := range skipped {
		if rec, ok := prev.Files[p]; ok {
			cur.Files[p] = rec
		} else {
			delete(cur.Files, p)
		}
	}
}

// ErrVersionNotAdvanced is returned when a release would reuse, or go
// back from, the version of the previous one. Installations identify
// their place in the patch chain by version, so each must be new.
var ErrVersionNotAdvanced = errors.New("release version must advance")

func checkVersionAdvances(prev, next string) error {
	if next == prev {
		return fmt.Errorf("%w: %s is the current version", ErrVersionNotAdvanced, next)
	}
	pv, errPrev := semver.NewVersion(prev)
	nv, errNext := semver.NewVersion(next)
	if errPrev == nil && errNext == nil && !nv.GreaterThan(pv) {
		return fmt.Errorf("%w: %s is older than %s", ErrVersionNotAdvanced, next, prev)
	}
	return nil
}

func (e *Engine) publish(arc *patch.Archive) (*feed.Entry, error) {
	idx, err := feed.LoadIndex(e.cfg.Paths.PatchesDir, e.cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("load feed index: %w", err)
	}
	entry := feed.Entry{
		Name:        arc.Metadata.PatchName,
		File:        filepath.Base(arc.Path),
		VersionFrom: arc.Metadata.VersionFrom,
		VersionTo:   arc.Metadata.VersionTo,
		Size:        arc.Size,
		Digest:      arc.Digest,
		Created:     arc.Metadata.Created,
	}
	idx.Add(entry)
	if err := feed.SaveIndex(e.cfg.Paths.PatchesDir, idx); err != nil {
		return nil, fmt.Errorf("save feed index: %w", err)
	}
	return &entry, nil
}

func (e *Engine) logChanges(cs manifest.ChangeSet) {
	for _, p := range cs.New {
		e.logger.Info("would add", "path", p)
	}
	for _, p := range cs.Modified {
		e.logger.Info("would update", "path", p)
	}
	for _, p := range cs.Deleted {
		e.logger.Info("would delete", "path", p)
	}
}
