package feed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/patch"
)

// Updater brings an installation up to date from a feed: every patch
// newer than the installed version is fetched and applied in order.
type Updater struct {
	Client  *Client
	Applier *patch.Applier
	Logger  *slog.Logger

	// BeforeApply, if set, runs before each download. Returning an
	// error stops the update.
	BeforeApply func(dir string, e Entry) error
}

// UpdateResult lists what an update did. Applied holds the results of
// every patch that committed before any failure.
type UpdateResult struct {
	From    string
	Pending []Entry
	Applied []*patch.ApplyResult
}

// InstalledVersion reads the version marker in dir. A missing marker
// is reported as manifest.EmptyVersion.
func InstalledVersion(dir string) (string, error) {
	m, err := patch.ReadMarker(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return manifest.EmptyVersion, nil
	}
	if err != nil {
		return "", err
	}
	return m.Version, nil
}

// Update applies pending patches to dir, stopping at the first failure.
func (u *Updater) Update(ctx context.Context, dir string) (*UpdateResult, error) {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applier := u.Applier
	if applier == nil {
		applier = patch.NewApplier(logger)
	}

	installed, err := InstalledVersion(dir)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{From: installed}

	sess, err := u.Client.Dial(ctx)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	entries, err := sess.Index(ctx)
	if err != nil {
		return res, err
	}
	idx := &Index{Platform: u.Client.Platform, Patches: entries}
	res.Pending = idx.Newer(installed)
	if len(res.Pending) == 0 {
		logger.Info("already up to date", "version", installed)
		return res, nil
	}

	downloads, err := os.MkdirTemp("", "patchkit-download-")
	if err != nil {
		return res, fmt.Errorf("create download dir: %w", err)
	}
	defer os.RemoveAll(downloads)

	for _, e := range res.Pending {
		if u.BeforeApply != nil {
			if err := u.BeforeApply(dir, e); err != nil {
				return res, err
			}
		}
		logger.Info("downloading patch", "name", e.Name, "size", e.Size)
		path, err := sess.Fetch(ctx, e.Name, downloads)
		if err != nil {
			return res, fmt.Errorf("fetch %s: %w", e.Name, err)
		}
		applied, err := applier.Apply(ctx, path, dir)
		if err != nil {
			return res, fmt.Errorf("apply %s: %w", e.Name, err)
		}
		res.Applied = append(res.Applied, applied)
		os.Remove(path)
	}
	return res, nil
}
