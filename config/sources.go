package config

import (
	"os"
	"path/filepath"
	"strings"
)

// SourceFiles returns the files the configuration was read from.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	path := strings.TrimSpace(cfg.Source)
	if path == "" {
		return []string{}
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return []string{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return []string{abs}
}
