package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rupor-github/gencfg"

	"annc/common"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfiguration_NoFile(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() with empty path error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadConfiguration() returned nil config")
	}
	if cfg.Version != 1 {
		t.Errorf("Default config version = %d, want 1", cfg.Version)
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}

	a := cfg.Announcement
	if a.Fragment != "announcements.html" {
		t.Errorf("Fragment = %q, want announcements.html", a.Fragment)
	}
	if a.AnchorID != "_1" {
		t.Errorf("AnchorID = %q, want _1", a.AnchorID)
	}
	if a.Container != "div" {
		t.Errorf("Container = %q, want div", a.Container)
	}
	if a.Base != "." {
		t.Errorf("Base = %q, want .", a.Base)
	}
	if cfg.Document.Mode != common.DocumentModeAuto {
		t.Errorf("Mode = %v, want auto", cfg.Document.Mode)
	}
	if cfg.Document.Jobs != 0 {
		t.Errorf("Jobs = %d, want 0", cfg.Document.Jobs)
	}
	if cfg.Logging.ConsoleLogger.Level != "normal" {
		t.Errorf("console level = %q, want normal", cfg.Logging.ConsoleLogger.Level)
	}
}

func TestLoadConfiguration_WithFile(t *testing.T) {
	configPath := writeConfig(t, `version: 1
announcement:
  fragment: news.html
  base: https://example.com/static
  anchor_id: header
  container: section
document:
  mode: xhtml
  file_name_transliterate: true
  jobs: 4
logging:
  console:
    level: debug
  file:
    level: debug
    destination: /tmp/annc-test.log
    mode: append
reporting:
  destination: /tmp/annc-test-report.zip
`)

	cfg, err := LoadConfiguration(configPath)
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}

	if cfg.Announcement.Fragment != "news.html" {
		t.Errorf("Fragment = %q, want news.html", cfg.Announcement.Fragment)
	}
	if cfg.Announcement.Base != "https://example.com/static" {
		t.Errorf("Base = %q", cfg.Announcement.Base)
	}
	if cfg.Announcement.AnchorID != "header" {
		t.Errorf("AnchorID = %q, want header", cfg.Announcement.AnchorID)
	}
	if cfg.Announcement.Container != "section" {
		t.Errorf("Container = %q, want section", cfg.Announcement.Container)
	}
	if cfg.Document.Mode != common.DocumentModeXHTML {
		t.Errorf("Mode = %v, want xhtml", cfg.Document.Mode)
	}
	if !cfg.Document.FileNameTransliterate {
		t.Error("Expected FileNameTransliterate to be true")
	}
	if cfg.Document.Jobs != 4 {
		t.Errorf("Jobs = %d, want 4", cfg.Document.Jobs)
	}
	if cfg.Logging.FileLogger.Mode != "append" {
		t.Errorf("file log mode = %q, want append", cfg.Logging.FileLogger.Mode)
	}
}

func TestLoadConfiguration_MergeWithDefaults(t *testing.T) {
	configPath := writeConfig(t, `version: 1
announcement:
  anchor_id: top
`)

	cfg, err := LoadConfiguration(configPath)
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	if cfg.Announcement.AnchorID != "top" {
		t.Errorf("AnchorID = %q, want top", cfg.Announcement.AnchorID)
	}
	if cfg.Announcement.Fragment != "announcements.html" {
		t.Errorf("Fragment should keep default value, got %q", cfg.Announcement.Fragment)
	}
	if cfg.Announcement.Container != "div" {
		t.Errorf("Container should keep default value, got %q", cfg.Announcement.Container)
	}
}

func TestLoadConfiguration_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "version: 1\nannouncement:\n  anchor_id: x\n  invalid indent\n"},
		{"unknown field", "version: 1\nunknown_field: value\n"},
		{"bad version", "version: 2\n"},
		{"empty anchor", "version: 1\nannouncement:\n  anchor_id: \"\"\n"},
		{"bad container", "version: 1\nannouncement:\n  container: \"<div>\"\n"},
		{"bad mode", "version: 1\ndocument:\n  mode: pdf\n"},
		{"negative jobs", "version: 1\ndocument:\n  jobs: -1\n"},
		{"bad log level", "version: 1\nlogging:\n  console:\n    level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfiguration(writeConfig(t, tt.content)); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestLoadConfiguration_NonExistentFile(t *testing.T) {
	if _, err := LoadConfiguration("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestLoadConfiguration_WithOptions(t *testing.T) {
	option := func(opts *gencfg.ProcessingOptions) {
		// Options are opaque, just test that we can pass them
	}

	cfg, err := LoadConfiguration("", option)
	if err != nil {
		t.Fatalf("LoadConfiguration() with options error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadConfiguration() returned nil config")
	}
}

func TestPrepare(t *testing.T) {
	data, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Prepare() returned empty data")
	}
	if _, err = unmarshalConfig(data, &Config{}, true); err != nil {
		t.Errorf("Prepared config is not valid: %v", err)
	}
}

func TestDump(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	cfg.Document.Mode = common.DocumentModeHTML
	cfg.Announcement.AnchorID = "_2"

	data, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if !strings.Contains(string(data), "mode: html") {
		t.Errorf("document mode must be dumped by name:\n%s", data)
	}

	cfg2, err := unmarshalConfig(data, &Config{}, false)
	if err != nil {
		t.Fatalf("Dumped config cannot be loaded: %v", err)
	}
	if cfg2.Announcement.AnchorID != "_2" {
		t.Errorf("AnchorID mismatch after dump/load: got %q", cfg2.Announcement.AnchorID)
	}
	if cfg2.Document.Mode != common.DocumentModeHTML {
		t.Errorf("Mode mismatch after dump/load: got %v", cfg2.Document.Mode)
	}
}

func TestCleanFileName(t *testing.T) {
	if got := CleanFileName(""); got != "_unnamed_page_" {
		t.Errorf("CleanFileName(\"\") = %q", got)
	}
	if got := CleanFileName("index.html"); got != "index.html" {
		t.Errorf("CleanFileName(index.html) = %q", got)
	}
	if got := CleanFileName("a" + string(os.PathSeparator) + "b"); strings.ContainsRune(got, os.PathSeparator) {
		t.Errorf("CleanFileName must remove path separators, got %q", got)
	}
}
