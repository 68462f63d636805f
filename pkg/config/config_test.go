package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tqbf/patchkit/pkg/paths"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patchkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BUILD_ROOT", "/srv/build")
	path := writeConfig(t, `
platform: windows
version: 1.4.0
paths:
  source_dir: ${BUILD_ROOT}/dist
  state_dir: /var/lib/patchkit
  patches_dir: /srv/patches
scan:
  max_file_size: 5000
  excludes: ["*.pdb", "logs"]
  workers: 4
feed:
  listen_addr: ":9000"
  token: abc
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "windows", cfg.Platform)
	assert.Equal(t, "1.4.0", cfg.Version)
	assert.Equal(t, "/srv/build/dist", cfg.Paths.SourceDir)
	assert.Equal(t, int64(5000), cfg.Scan.MaxFileSize)
	assert.Equal(t, ".", cfg.Scan.ReservedPrefix)
	assert.Equal(t, 4, cfg.Scan.Workers)
	assert.Equal(t, ":9000", cfg.Feed.ListenAddr)
	assert.NoError(t, cfg.ValidateProducer())

	rule := cfg.SkipRule()
	assert.Equal(t, int64(5000), rule.MaxFileSize)
	assert.Equal(t, []string{"*.pdb", "logs"}, rule.Excludes)
	assert.Equal(t, filepath.Join("/var/lib/patchkit", "manifests"), cfg.ManifestDir())

	token, err := cfg.FeedToken()
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, runtime.GOOS, cfg.Platform)
	assert.Equal(t, paths.DefaultMaxFileSize, cfg.Scan.MaxFileSize)
	assert.Equal(t, paths.DefaultReservedPrefix, cfg.Scan.ReservedPrefix)
	assert.Equal(t, DefaultListenAddr, cfg.Feed.ListenAddr)
	assert.Error(t, cfg.ValidateProducer())
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "platform: [unterminated"},
		{"bad platform", "platform: amiga"},
		{"negative workers", "platform: linux\nscan:\n  workers: -1"},
		{"two tokens", "platform: linux\nfeed:\n  token: a\n  token_file: /x"},
		{"reserved prefix misses reserved names", "platform: linux\nscan:\n  reserved_prefix: _"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSizeCeilingDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, "platform: linux\nscan:\n  max_file_size: -1\n"))
	require.NoError(t, err)
	assert.False(t, cfg.SkipRule().SkipSize(1<<40))
}

func TestFeedTokenFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("from-file\n"), 0600))

	cfg, err := Load(writeConfig(t, "platform: linux\nfeed:\n  token_file: "+tokenPath+"\n"))
	require.NoError(t, err)
	token, err := cfg.FeedToken()
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)
}
