package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tqbf/patchkit/pkg/patch"
	"github.com/tqbf/patchkit/pkg/paths"
)

const DefaultListenAddr = "127.0.0.1:7400"

// Config is the patchkit configuration file.
type Config struct {
	Platform string      `yaml:"platform"`
	Version  string      `yaml:"version"`
	Paths    PathsConfig `yaml:"paths"`
	Scan     ScanConfig  `yaml:"scan"`
	Feed     FeedConfig  `yaml:"feed"`
}

// PathsConfig locates the producer's inputs and outputs.
type PathsConfig struct {
	SourceDir  string `yaml:"source_dir"`
	StateDir   string `yaml:"state_dir"`
	PatchesDir string `yaml:"patches_dir"`
}

// ScanConfig controls which files a manifest tracks.
type ScanConfig struct {
	// MaxFileSize of zero selects the default ceiling; a negative
	// value disables it.
	MaxFileSize    int64    `yaml:"max_file_size"`
	ReservedPrefix string   `yaml:"reserved_prefix"`
	Excludes       []string `yaml:"excludes"`
	Workers        int      `yaml:"workers"`
}

type FeedConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	TokenFile  string `yaml:"token_file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandEnv() {
	c.Platform = os.ExpandEnv(c.Platform)
	c.Version = os.ExpandEnv(c.Version)
	c.Paths.SourceDir = os.ExpandEnv(c.Paths.SourceDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.PatchesDir = os.ExpandEnv(c.Paths.PatchesDir)
	c.Feed.ListenAddr = os.ExpandEnv(c.Feed.ListenAddr)
	c.Feed.URL = os.ExpandEnv(c.Feed.URL)
	c.Feed.TokenFile = os.ExpandEnv(c.Feed.TokenFile)
}

func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = runtime.GOOS
	}
	if c.Scan.MaxFileSize == 0 {
		c.Scan.MaxFileSize = paths.DefaultMaxFileSize
	}
	if c.Scan.ReservedPrefix == "" {
		c.Scan.ReservedPrefix = paths.DefaultReservedPrefix
	}
	if c.Feed.ListenAddr == "" {
		c.Feed.ListenAddr = DefaultListenAddr
	}
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	if _, err := patch.FormatFor(c.Platform); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	for _, name := range patch.ReservedNames() {
		if !strings.HasPrefix(name, c.Scan.ReservedPrefix) {
			return fmt.Errorf("scan.reserved_prefix %q must be a prefix of the reserved name %s",
				c.Scan.ReservedPrefix, name)
		}
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must not be negative")
	}
	if c.Feed.Token != "" && c.Feed.TokenFile != "" {
		return fmt.Errorf("feed: only one of token or token_file may be set")
	}
	return nil
}

// ValidateProducer additionally checks the settings a packaging run needs.
func (c *Config) ValidateProducer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Paths.SourceDir == "" {
		return fmt.Errorf("paths.source_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if c.Paths.PatchesDir == "" {
		return fmt.Errorf("paths.patches_dir is required")
	}
	return nil
}

// SkipRule returns the manifest skip rule described by Scan.
func (c *Config) SkipRule() paths.SkipRule {
	ceiling := c.Scan.MaxFileSize
	if ceiling < 0 {
		ceiling = 0
	}
	return paths.SkipRule{
		ReservedPrefix: c.Scan.ReservedPrefix,
		MaxFileSize:    ceiling,
		Excludes:       c.Scan.Excludes,
	}
}

// FeedToken returns the configured token, reading token_file if set.
func (c *Config) FeedToken() (string, error) {
	if c.Feed.TokenFile == "" {
		return c.Feed.Token, nil
	}
	data, err := os.ReadFile(c.Feed.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read feed token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ManifestDir is where manifests are stored.
func (c *Config) ManifestDir() string {
	return filepath.Join(c.Paths.StateDir, "manifests")
}

