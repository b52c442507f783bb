package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8090"
	DefaultTimeout = 60 * time.Second
)

// Config holds CLI configuration.
type Config struct {
	BaseURL    string            `yaml:"baseURL"`
	Timeout    time.Duration     `yaml:"timeout"`
	Extensions map[string]string `yaml:"extensions"`
}

// DefaultExtensions maps source file extensions to language ids.
func DefaultExtensions() map[string]string {
	return map[string]string{
		".c":    "c",
		".cc":   "cpp",
		".cpp":  "cpp",
		".cxx":  "cpp",
		".java": "java",
		".js":   "javascript",
		".py":   "python",
	}
}

// Load reads the config file. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config file failed: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	merged := DefaultExtensions()
	for ext, lang := range cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		merged[ext] = lang
	}
	cfg.Extensions = merged
}

// LanguageFor infers the language id from the source file extension.
func (c Config) LanguageFor(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "", fmt.Errorf("cannot infer language of %s: no file extension, use -lang", path)
	}
	lang, ok := c.Extensions[ext]
	if !ok {
		return "", fmt.Errorf("cannot infer language of %s: unknown extension %s, use -lang", path, ext)
	}
	return lang, nil
}
