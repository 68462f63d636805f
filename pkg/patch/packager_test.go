package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/manifest"
)

func TestPackageFreshInstall(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{
		"a.txt": "alpha",
		"b.txt": "bravo",
	})
	cs := manifest.Diff(manifest.Empty(), buildManifest(t, src, "1.0.0"))
	assert.Equal(t, []string{"a.txt", "b.txt"}, cs.New)

	out := filepath.Join(t.TempDir(), "patch_20240301_120000.tar.gz")
	arc, err := Package(cs, src, out, testOptions(TarGz, "1.0.0"))
	require.NoError(t, err)
	require.NotNil(t, arc)

	assert.Equal(t, TarGz, arc.Kind)
	assert.Equal(t, []string{"a.txt", "b.txt"}, arc.Packed)
	assert.Empty(t, arc.Skipped)
	assert.Equal(t, Counts{New: 2}, arc.Metadata.Changes)
	assert.Equal(t, []string{"a.txt", "b.txt", MetadataName}, listEntries(t, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), arc.Size)
	assert.Equal(t, digest.Bytes(data), arc.Digest)
}

func TestPackageEntryOrder(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{
		"bin/tool":  "new",
		"lib/z.so":  "changed",
		"readme.md": "new",
	})
	cs := manifest.ChangeSet{
		New:      []string{"bin/tool", "readme.md"},
		Modified: []string{"lib/z.so"},
		Deleted:  []string{"old.txt"},
	}

	for _, kind := range []Kind{TarGz, Zip} {
		t.Run(kind.String(), func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "p"+kind.Ext())
			arc, err := Package(cs, src, out, testOptions(kind, "2.0.0"))
			require.NoError(t, err)
			assert.Equal(t, Counts{New: 2, Modified: 1, Deleted: 1}, arc.Metadata.Changes)
			assert.Equal(t, []string{
				"bin/tool", "lib/z.so", "readme.md",
				DeletedListName, MetadataName,
			}, listEntries(t, out))
		})
	}
}

func TestPackageDeletionOnlyIsNotPackaged(t *testing.T) {
	out := filepath.Join(t.TempDir(), "p.tar.gz")
	cs := manifest.ChangeSet{Deleted: []string{"gone.txt"}}

	arc, err := Package(cs, t.TempDir(), out, testOptions(TarGz, "1.0.1"))
	require.NoError(t, err)
	assert.Nil(t, arc)
	assert.NoFileExists(t, out)
}

func TestPackageEmptyChangeSet(t *testing.T) {
	out := filepath.Join(t.TempDir(), "p.zip")
	arc, err := Package(manifest.ChangeSet{}, t.TempDir(), out, testOptions(Zip, "1.0.1"))
	require.NoError(t, err)
	assert.Nil(t, arc)
	assert.NoFileExists(t, out)
}

func TestPackageDeterministic(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{
		"a.txt":         "alpha",
		"nested/b.txt":  "bravo",
		"nested/c/d.go": "package d",
	})
	cs := manifest.ChangeSet{
		New:      []string{"a.txt", "nested/c/d.go"},
		Modified: []string{"nested/b.txt"},
		Deleted:  []string{"x.txt"},
	}

	for _, kind := range []Kind{TarGz, Zip} {
		t.Run(kind.String(), func(t *testing.T) {
			dir := t.TempDir()
			first := filepath.Join(dir, "one"+kind.Ext())
			second := filepath.Join(dir, "two"+kind.Ext())

			arc1, err := Package(cs, src, first, testOptions(kind, "3.0.0"))
			require.NoError(t, err)

			// File times must not leak into the archive.
			later := testTime.AddDate(1, 0, 0)
			require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), later, later))

			arc2, err := Package(cs, src, second, testOptions(kind, "3.0.0"))
			require.NoError(t, err)

			b1, err := os.ReadFile(first)
			require.NoError(t, err)
			b2, err := os.ReadFile(second)
			require.NoError(t, err)
			assert.Equal(t, b1, b2)
			assert.Equal(t, arc1.Digest, arc2.Digest)
		})
	}
}

func TestPackageSkipsVanishedFile(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{"keep.txt": "keep"})
	cs := manifest.ChangeSet{New: []string{"gone.txt", "keep.txt"}}

	out := filepath.Join(t.TempDir(), "p.tar.gz")
	arc, err := Package(cs, src, out, testOptions(TarGz, "1.0.1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, arc.Packed)
	assert.Equal(t, []string{"gone.txt"}, arc.Skipped)
	assert.Equal(t, Counts{New: 1}, arc.Metadata.Changes)
	assert.Equal(t, []string{"keep.txt", MetadataName}, listEntries(t, out))
}

func TestPackageUnwritableOutput(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{"a.txt": "alpha"})
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	cs := manifest.ChangeSet{New: []string{"a.txt"}}
	_, err := Package(cs, src, filepath.Join(blocker, "p.tar.gz"), testOptions(TarGz, "1"))
	assert.ErrorIs(t, err, ErrDestWrite)
}

func TestPackageLeavesNoTempOnFailure(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{"a.txt": "alpha"})
	require.NoError(t, os.Mkdir(filepath.Join(src, "dir.txt"), 0755))
	cs := manifest.ChangeSet{New: []string{"a.txt", "dir.txt"}}

	outDir := t.TempDir()
	_, err := Package(cs, src, filepath.Join(outDir, "p.tar.gz"), testOptions(TarGz, "1"))
	assert.ErrorIs(t, err, ErrSourceRead)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPackageDefaultsFromPath(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{"a.txt": "alpha"})
	cs := manifest.ChangeSet{New: []string{"a.txt"}}

	out := filepath.Join(t.TempDir(), "patch_20240101_000000.zip")
	arc, err := Package(cs, src, out, Options{Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, Zip, arc.Kind)
	assert.Equal(t, "patch_20240101_000000", arc.Metadata.PatchName)
}

func TestPackageRefusesReservedNames(t *testing.T) {
	src := t.TempDir()
	makeTree(t, src, map[string]string{
		DeletedListName:   "shadow",
		"ok.txt":          "fine",
		".version.json/x": "nested",
	})

	tests := []struct {
		name string
		cs   manifest.ChangeSet
	}{
		{"payload deletion list", manifest.ChangeSet{New: []string{DeletedListName, "ok.txt"}}},
		{"payload under marker", manifest.ChangeSet{Modified: []string{".version.json/x"}}},
		{"deleted metadata", manifest.ChangeSet{New: []string{"ok.txt"}, Deleted: []string{MetadataName}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "p.tar.gz")
			_, err := Package(tt.cs, src, out, testOptions(TarGz, "1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, errReservedName)
			assert.ErrorIs(t, err, ErrSourceRead)
			assert.NoFileExists(t, out)
		})
	}
}
