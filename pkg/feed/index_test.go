package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name, from, to string, day int) Entry {
	return Entry{
		Name:        name,
		File:        name + ".tar.gz",
		VersionFrom: from,
		VersionTo:   to,
		Created:     time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
	}
}

func names(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestIndexAdd(t *testing.T) {
	idx := &Index{Platform: "linux"}
	idx.Add(entry("p2", "1.1.0", "1.2.0", 2))
	idx.Add(entry("p1", "1.0.0", "1.1.0", 1))
	idx.Add(entry("p3", "1.2.0", "1.3.0", 3))
	assert.Equal(t, []string{"p1", "p2", "p3"}, names(idx.Patches))

	replaced := entry("p2", "1.1.0", "1.2.0", 2)
	replaced.Size = 42
	idx.Add(replaced)
	assert.Len(t, idx.Patches, 3)

	got, ok := idx.Lookup("p2")
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Size)

	_, ok = idx.Lookup("nope")
	assert.False(t, ok)
}

func TestIndexNewer(t *testing.T) {
	idx := &Index{Platform: "linux"}
	idx.Add(entry("p1", "0.0.0", "1.0.0", 1))
	idx.Add(entry("p2", "1.0.0", "1.2.0", 2))
	idx.Add(entry("p3", "1.2.0", "1.10.0", 3))

	tests := []struct {
		installed string
		want      []string
	}{
		{"", []string{"p1", "p2", "p3"}},
		{"0.0.0", []string{"p1", "p2", "p3"}},
		{"1.0.0", []string{"p2", "p3"}},
		{"1.1.0", []string{"p2", "p3"}},
		{"1.2.0", []string{"p3"}},
		{"1.10.0", nil},
		{"2.0.0", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, names(idx.Newer(tt.installed)), "installed %q", tt.installed)
	}
}

func TestIndexNewerByLabel(t *testing.T) {
	idx := &Index{Platform: "windows"}
	idx.Add(entry("patch_20240101_000000", "", "patch_20240101_000000", 1))
	idx.Add(entry("patch_20240102_000000", "", "patch_20240102_000000", 2))
	idx.Add(entry("patch_20240103_000000", "", "patch_20240103_000000", 3))

	assert.Equal(t,
		[]string{"patch_20240102_000000", "patch_20240103_000000"},
		names(idx.Newer("patch_20240101_000000")))
}

func TestIndexNewerKeepsPublicationOrder(t *testing.T) {
	idx := &Index{Platform: "linux"}
	idx.Add(entry("p1", "0.0.0", "1.0.0", 1))
	idx.Add(entry("p2", "1.0.0", "patch_20240102_000000", 2))
	idx.Add(entry("p3", "patch_20240102_000000", "1.1.0", 3))

	assert.Equal(t, []string{"p2", "p3"}, names(idx.Newer("1.0.0")))
	assert.Equal(t, []string{"p3"}, names(idx.Newer("patch_20240102_000000")))
	assert.Equal(t, []string{"p1", "p2", "p3"}, names(idx.Newer("0.0.0")))
	assert.Empty(t, idx.Newer("1.1.0"))
}

func TestIndexNewerUsesLastOccurrence(t *testing.T) {
	idx := &Index{Platform: "linux"}
	idx.Add(entry("p1", "0.0.0", "1.0.0", 1))
	idx.Add(entry("p2", "1.0.0", "1.1.0", 2))
	idx.Add(entry("p3", "1.1.0", "1.0.0", 3))
	idx.Add(entry("p4", "1.0.0", "1.2.0", 4))

	assert.Equal(t, []string{"p4"}, names(idx.Newer("1.0.0")))
}

func TestIndexNewerDoesNotAlias(t *testing.T) {
	idx := &Index{Platform: "linux"}
	idx.Add(entry("p1", "0.0.0", "1.0.0", 1))
	idx.Add(entry("p2", "1.0.0", "1.1.0", 2))

	got := idx.Newer("1.0.0")
	got[0].Name = "changed"
	assert.Equal(t, "p2", idx.Patches[1].Name)
}

func TestIndexSaveLoad(t *testing.T) {
	dir := t.TempDir()

	idx, err := LoadIndex(dir, "linux")
	require.NoError(t, err)
	assert.Empty(t, idx.Patches)

	idx.Add(entry("p1", "0.0.0", "1.0.0", 1))
	require.NoError(t, SaveIndex(dir, idx))
	assert.FileExists(t, IndexPath(dir, "linux"))

	got, err := LoadIndex(dir, "linux")
	require.NoError(t, err)
	assert.Equal(t, idx.Patches, got.Patches)
}

func TestIndexRejectsBadPlatform(t *testing.T) {
	for _, p := range []string{"", "..", "a/b", `a\b`} {
		_, err := LoadIndex(t.TempDir(), p)
		assert.Error(t, err, p)
	}
}
