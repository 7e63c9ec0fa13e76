package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesOnlyMentionedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x3host.yaml")
	content := []byte("app_name: myapp\nplugins:\n  dir: /opt/plugins\n  extension: .so\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppName != "myapp" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Plugins.Dir != "/opt/plugins" || cfg.Plugins.Extension != ".so" {
		t.Errorf("Plugins = %+v", cfg.Plugins)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to keep its default, got %q", cfg.LogLevel)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
