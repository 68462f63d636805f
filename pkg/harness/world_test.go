package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tqbf/patchkit/pkg/feed"
	"github.com/tqbf/patchkit/pkg/patch"
)

func newWorld(t *testing.T, platform, token string) *World {
	t.Helper()
	w, err := NewWorld(platform, token)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func publish(t *testing.T, w *World, version string) {
	t.Helper()
	res, err := w.Release(testCtx(t), version)
	require.NoError(t, err)
	require.NotNil(t, res.Archive, "expected %s to produce a patch", version)
}

func update(t *testing.T, w *World, dir string) *feed.UpdateResult {
	t.Helper()
	res, err := w.Update(testCtx(t), dir)
	require.NoError(t, err)
	return res
}

func assertInSync(t *testing.T, w *World, dir string) {
	t.Helper()
	want, err := Snapshot(w.Source())
	require.NoError(t, err)
	got, err := Snapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func installedVersion(t *testing.T, dir string) string {
	t.Helper()
	m, err := patch.ReadMarker(dir)
	require.NoError(t, err)
	return m.Version
}

func TestFreshInstallThenIncremental(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{
		"bin/app":       "app v1",
		"lib/core.so":   "core v1",
		"data/cfg.json": `{"a":1}`,
	}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	res := update(t, w, install)
	assert.Equal(t, "0.0.0", res.From)
	require.Len(t, res.Applied, 1)
	assert.Len(t, res.Applied[0].Copied, 3)
	assertInSync(t, w, install)
	assert.Equal(t, "1.0.0", installedVersion(t, install))

	require.NoError(t, w.Write(map[string]string{
		"bin/app":      "app v2",
		"lib/extra.so": "extra",
	}))
	require.NoError(t, w.Remove("data/cfg.json"))
	publish(t, w, "1.1.0")

	res = update(t, w, install)
	assert.Equal(t, "1.0.0", res.From)
	require.Len(t, res.Applied, 1)
	assert.ElementsMatch(t, []string{"bin/app", "lib/extra.so"}, res.Applied[0].Copied)
	assert.Equal(t, []string{"data/cfg.json"}, res.Applied[0].Deleted)
	assertInSync(t, w, install)
	assert.Equal(t, "1.1.0", installedVersion(t, install))
}

func TestCatchUpAcrossReleases(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{"a.txt": "1", "b.txt": "1"}))
	publish(t, w, "1.0.0")
	require.NoError(t, w.Write(map[string]string{"a.txt": "2"}))
	publish(t, w, "1.1.0")
	require.NoError(t, w.Write(map[string]string{"c.txt": "3"}))
	require.NoError(t, w.Remove("b.txt"))
	publish(t, w, "1.2.0")

	install := t.TempDir()
	res := update(t, w, install)
	require.Len(t, res.Pending, 3)
	assert.Len(t, res.Applied, 3)
	assertInSync(t, w, install)
	assert.Equal(t, "1.2.0", installedVersion(t, install))
}

func TestAlreadyInSync(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{"a.txt": "1"}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)

	res := update(t, w, install)
	assert.Equal(t, "1.0.0", res.From)
	assert.Empty(t, res.Pending)
	assert.Empty(t, res.Applied)

	again, err := w.Release(testCtx(t), "1.0.1")
	require.NoError(t, err)
	assert.Nil(t, again.Archive)
	assert.True(t, again.Changes.Empty())
}

func TestDeletionOnlyCarriedForward(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{"keep.txt": "k", "drop.txt": "d"}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)

	require.NoError(t, w.Remove("drop.txt"))
	res, err := w.Release(testCtx(t), "1.1.0")
	require.NoError(t, err)
	assert.Nil(t, res.Archive)
	assert.Equal(t, []string{"drop.txt"}, res.Changes.Deleted)

	up := update(t, w, install)
	assert.Empty(t, up.Pending)
	assert.FileExists(t, filepath.Join(install, "drop.txt"))

	require.NoError(t, w.Write(map[string]string{"new.txt": "n"}))
	publish(t, w, "1.2.0")

	up = update(t, w, install)
	require.Len(t, up.Applied, 1)
	assert.Equal(t, []string{"drop.txt"}, up.Applied[0].Deleted)
	assert.Equal(t, "1.0.0", up.Applied[0].Metadata.VersionFrom)
	assertInSync(t, w, install)
}

func TestWindowsUsesZip(t *testing.T) {
	w := newWorld(t, "windows", "")
	require.NoError(t, w.Write(map[string]string{
		"app.exe":       "MZ",
		"plugins/x.dll": "dll",
	}))
	publish(t, w, "1.0.0")

	idx, err := feed.LoadIndex(w.Patches(), "windows")
	require.NoError(t, err)
	require.Len(t, idx.Patches, 1)
	assert.True(t, strings.HasSuffix(idx.Patches[0].File, ".zip"))

	install := t.TempDir()
	update(t, w, install)
	assertInSync(t, w, install)
}

func TestExcludedFilesNotShipped(t *testing.T) {
	w := newWorld(t, "linux", "")
	w.Config().Scan.Excludes = []string{"*.log", "cache"}
	require.NoError(t, w.Write(map[string]string{
		"app":            "app",
		"debug.log":      "noise",
		"cache/blob":     "cached",
		".hidden/secret": "s",
	}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)
	got, err := Snapshot(install)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "app"}, got)
	assert.NoDirExists(t, filepath.Join(install, "cache"))
	assert.NoDirExists(t, filepath.Join(install, ".hidden"))
}

func TestAwkwardNames(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{
		"héllo wörld.txt":            "unicode",
		"with space/file name.txt":   "spaces",
		"a/b/c/d/e/f/g/h/i/deep.txt": "deep",
		"empty.txt":                  "",
		"日本語/ファイル.txt":               "cjk",
	}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)
	assertInSync(t, w, install)
}

func TestBinaryContent(t *testing.T) {
	w := newWorld(t, "linux", "")
	var b strings.Builder
	for i := 0; i < 1<<16; i++ {
		b.WriteByte(byte(i * 31))
	}
	require.NoError(t, w.Write(map[string]string{"blob.bin": b.String()}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)
	got, err := os.ReadFile(filepath.Join(install, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, b.String(), string(got))
}

func TestSymlinksNotShipped(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{"real.txt": "real"}))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(w.Source(), "link.txt")))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)
	assert.FileExists(t, filepath.Join(install, "real.txt"))
	_, err := os.Lstat(filepath.Join(install, "link.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestUntrackedFilesSurvive(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{"app": "v1", "lib.so": "v1"}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	update(t, w, install)
	require.NoError(t, os.WriteFile(filepath.Join(install, "user.cfg"), []byte("mine"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(install, "lib.so"), []byte("local edit"), 0644))

	require.NoError(t, w.Write(map[string]string{"app": "v2"}))
	publish(t, w, "1.1.0")
	update(t, w, install)

	got, err := Snapshot(install)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"app":      "v2",
		"lib.so":   "local edit",
		"user.cfg": "mine",
	}, got)
}

func TestFeedTokenEnforced(t *testing.T) {
	w := newWorld(t, "linux", "s3cret")
	require.NoError(t, w.Write(map[string]string{"a": "a"}))
	publish(t, w, "1.0.0")

	u := &feed.Updater{Client: w.Client("wrong"), Logger: w.logger}
	_, err := u.Update(testCtx(t), t.TempDir())
	var apiErr *feed.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)

	install := t.TempDir()
	update(t, w, install)
	assertInSync(t, w, install)
}

func TestLockedInstallationRefused(t *testing.T) {
	w := newWorld(t, "linux", "")
	require.NoError(t, w.Write(map[string]string{"a": "a"}))
	publish(t, w, "1.0.0")

	install := t.TempDir()
	lock, err := patch.AcquireLock(install)
	require.NoError(t, err)
	defer lock.Release()

	_, err = w.Update(testCtx(t), install)
	assert.ErrorIs(t, err, patch.ErrLocked)
	_, err = os.Stat(filepath.Join(install, "a"))
	assert.True(t, os.IsNotExist(err))
}
