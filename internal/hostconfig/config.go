// Package hostconfig loads the host's YAML configuration: where to look
// for plugins, how they are discovered, and where the class cache and
// its optional replication live. Grounded on the teacher's
// pkg/config.Config, generalized from a filesystem-plugin server config
// to a class-factory host config (spec's ambient A1 addition).
package hostconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the entire x3host configuration file.
type Config struct {
	AppName string       `yaml:"app_name"`
	LogLevel string      `yaml:"log_level"`
	Plugins PluginsConfig `yaml:"plugins"`
	Cache   CacheConfig   `yaml:"cache"`
	SQL     SQLConfig     `yaml:"sql"`
}

// PluginsConfig controls discovery (spec §4.1 LoadFromDirectory).
type PluginsConfig struct {
	Dir       string `yaml:"dir"`
	Extension string `yaml:"extension"`
	Recursive bool   `yaml:"recursive"`
	DelayLoad bool   `yaml:"delay_load"`
}

// CacheConfig controls the class cache and its optional S3 replication
// (spec §4.3, §4.8).
type CacheConfig struct {
	WorkDir string    `yaml:"workdir"`
	S3      S3Config  `yaml:"s3"`
}

// S3Config carries cache.S3ReplicatorConfig's fields plus an Enabled
// switch; the host copies them across field by field.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SQLConfig controls the optional registry mirror (spec §4.7).
type SQLConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Default returns the configuration used when no file is present: scan
// the host executable's directory (a relative plugin dir resolves against
// it) non-recursively for the platform's default plugin extension, eager
// load, cache in the process's working directory.
func Default() *Config {
	return &Config{
		AppName:  "x3host",
		LogLevel: "info",
		Plugins: PluginsConfig{
			Dir:       ".",
			Extension: "",
			Recursive: false,
			DelayLoad: false,
		},
		Cache: CacheConfig{WorkDir: "."},
	}
}

// Load reads path and decodes it over Default(), so a partial file only
// overrides what it mentions.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
