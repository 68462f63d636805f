package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/paths"
)

// Builder walks an installation tree and hashes every tracked file.
type Builder struct {
	Skip    paths.SkipRule
	Version string

	// Workers bounds concurrent hashing; zero means one per CPU.
	Workers int

	// Cache, when set, lets unchanged files skip rehashing across
	// repeated builds of the same tree.
	Cache *digest.Cache

	Logger *slog.Logger
}

func NewBuilder(skip paths.SkipRule, version string) *Builder {
	return &Builder{Skip: skip, Version: version}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

type fileJob struct {
	relPath string
	absPath string
	size    int64
	mtime   time.Time
}

// Build returns the manifest of root. Any unreadable file or directory
// fails the whole build; a partial manifest would under-report changes.
// Cancelling ctx stops the build between files.
func (b *Builder) Build(ctx context.Context, root string) (*Manifest, error) {
	jobs, err := b.collect(ctx, root)
	if err != nil {
		return nil, err
	}

	workers := b.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	records := make([]FileRecord, len(jobs))
	jobCh := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			buf := make([]byte, digest.ChunkSize)
			for i := range jobCh {
				rec, err := b.hashJob(jobs[i], buf)
				if err != nil {
					return err
				}
				records[i] = rec
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobCh)
		for i := range jobs {
			select {
			case jobCh <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version: b.Version,
		Files:   make(map[string]FileRecord, len(records)),
	}
	if m.Version == "" {
		m.Version = EmptyVersion
	}
	for _, r := range records {
		m.Files[r.Path] = r
	}
	return m, nil
}

func (b *Builder) collect(ctx context.Context, root string) ([]fileJob, error) {
	var jobs []fileJob
	err := filepath.WalkDir(
		root,
		func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return fmt.Errorf("walk %s: %w", p, err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := paths.Rel(root, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if !paths.PortableName(d.Name()) {
				b.logger().Warn("skipping entry with unportable name", "path", p)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if b.Skip.SkipName(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", rel, err)
			}
			if b.Skip.SkipSize(info.Size()) {
				return nil
			}
			jobs = append(jobs, fileJob{
				relPath: rel,
				absPath: p,
				size:    info.Size(),
				mtime:   info.ModTime(),
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (b *Builder) hashJob(j fileJob, buf []byte) (FileRecord, error) {
	rec := FileRecord{
		Path:     j.relPath,
		Size:     j.size,
		Modified: j.mtime,
	}
	if sum, ok := b.Cache.Get(j.absPath, j.size, j.mtime); ok {
		rec.Hash = sum
		return rec, nil
	}
	sum, err := digest.FileBuffer(j.absPath, buf)
	if err != nil {
		return FileRecord{}, fmt.Errorf("hash %s: %w", j.relPath, err)
	}
	b.Cache.Put(j.absPath, j.size, j.mtime, sum)
	rec.Hash = sum
	return rec, nil
}
