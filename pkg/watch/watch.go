package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tqbf/patchkit/pkg/paths"
)

const DefaultDebounce = 2 * time.Second

// Watcher calls a function whenever a tree has been quiet for the
// debounce window after a change.
type Watcher struct {
	root     string
	skip     paths.SkipRule
	debounce time.Duration
	logger   *slog.Logger

	// Ignore lists directories, such as output directories nested in
	// the tree, whose changes never trigger a run.
	Ignore []string
}

func New(root string, skip paths.SkipRule, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, skip: skip, debounce: debounce, logger: logger}
}

// Run calls fn once immediately and again after every burst of
// changes. Errors from fn are logged and do not stop the watch. Run
// returns nil when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	w.invoke(ctx, fn)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, ev.Name); err != nil {
						w.logger.Warn("watch new directory", "path", ev.Name, "err", err)
					}
				}
			}
			w.logger.Debug("change", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)

		case <-timerC:
			timerC = nil
			w.invoke(ctx, fn)
		}
	}
}

func (w *Watcher) invoke(ctx context.Context, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		w.logger.Error("run after change failed", "err", err)
	}
}

func (w *Watcher) relevant(path string) bool {
	for _, dir := range w.Ignore {
		if path == dir || paths.IsWithinDir(dir, path) {
			return false
		}
	}
	rel, err := paths.Rel(w.root, path)
	if err != nil {
		return false
	}
	return rel == "." || !w.skip.SkipName(rel)
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if !w.relevant(p) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
