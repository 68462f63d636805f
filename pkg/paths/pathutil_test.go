package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRelPath(t *testing.T) {
	assert.NoError(t, ValidateRelPath("foo/bar.dll"))
	assert.NoError(t, ValidateRelPath("a.txt"))
	assert.NoError(t, ValidateRelPath("data/maps/level 1.bin"))
	assert.NoError(t, ValidateRelPath("日本語.txt"))

	assert.Error(t, ValidateRelPath(""))
	assert.Error(t, ValidateRelPath("/absolute/path"))
	assert.Error(t, ValidateRelPath("../escape"))
	assert.Error(t, ValidateRelPath("foo/../../etc/passwd"))
	assert.Error(t, ValidateRelPath(`..\windows\system32`))
	assert.Error(t, ValidateRelPath("C:/Windows/win.ini"))
	assert.Error(t, ValidateRelPath("foo\x00bar"))
	assert.Error(t, ValidateRelPath("."))
	assert.Error(t, ValidateRelPath("./"))
}

func TestCleanRelPath(t *testing.T) {
	assert.Equal(t, "foo/bar", CleanRelPath("./foo/bar"))
	assert.Equal(t, "foo/bar", CleanRelPath("foo//bar"))
	assert.Equal(t, "foo/bar", CleanRelPath(`foo\bar`))
	assert.Equal(t, "foo", CleanRelPath("foo/bar/.."))
}

func TestRel(t *testing.T) {
	root := t.TempDir()
	rel, err := Rel(root, filepath.Join(root, "bin", "app.exe"))
	require.NoError(t, err)
	assert.Equal(t, "bin/app.exe", rel)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()

	full, err := Resolve(root, "bin/app.exe")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bin", "app.exe"), full)

	_, err = Resolve(root, "../outside.txt")
	assert.Error(t, err)
	_, err = Resolve(root, "/etc/passwd")
	assert.Error(t, err)
}

func TestIsWithinDir(t *testing.T) {
	assert.True(t, IsWithinDir("/opt/app", "/opt/app/lib"))
	assert.True(t, IsWithinDir("/opt/app/", "/opt/app/lib"))
	assert.True(t, IsWithinDir("/opt/app", "/opt/app"))

	assert.False(t, IsWithinDir("/opt/app", "/opt/other"))
	assert.False(t, IsWithinDir("/opt/app", "/opt/appX/lib"))
	assert.False(t, IsWithinDir("/opt/app", "/etc/passwd"))
}
