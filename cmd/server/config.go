package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port           string        `yaml:"port" validate:"required,numeric"`
	QueryURL       string        `yaml:"queryURL" validate:"required,url"`
	IngestURL      string        `yaml:"ingestURL" validate:"omitempty,url"`
	RequestTimeout time.Duration `yaml:"requestTimeout" validate:"min=0s"`
	SessionTTL     time.Duration `yaml:"sessionTTL" validate:"min=1m"`
	ArchivePath    string        `yaml:"archivePath"`
	Log            logConfig     `yaml:"log"`
}

type logConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

const (
	configDirName  = "ragwebui"
	configFileName = "config.yaml"
)

func defaultConfig() config {
	return config{
		Port:       "8080",
		QueryURL:   "http://localhost:5001/query",
		SessionTTL: 30 * time.Minute,
		Log: logConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, configDirName, configFileName), nil
}

// loadConfig reads the YAML file at path over the defaults, then applies the environment
// overrides. An empty path means the file in the user config dir, which may be absent.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return config{}, err
		}
	}

	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// No config file: defaults and environment only.
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	applyEnv(&cfg)

	if cfg.IngestURL == "" {
		ingestURL, err := deriveIngestURL(cfg.QueryURL)
		if err != nil {
			return config{}, err
		}
		cfg.IngestURL = ingestURL
	}

	if err := validator.New().Struct(cfg); err != nil {
		return config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *config) {
	if v := getEnv("RAGWEBUI_PORT"); v != "" {
		cfg.Port = v
	}
	if v := getEnv("RAGWEBUI_QUERY_URL"); v != "" {
		cfg.QueryURL = v
	}
	if v := getEnv("RAGWEBUI_INGEST_URL"); v != "" {
		cfg.IngestURL = v
	}
	if v := getEnv("RAGWEBUI_ARCHIVE_PATH"); v != "" {
		cfg.ArchivePath = v
	}
	if v := getEnv("RAGWEBUI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// deriveIngestURL points at the ingest route next to the query route, the way the answering
// service exposes them.
func deriveIngestURL(queryURL string) (string, error) {
	u, err := url.Parse(queryURL)
	if err != nil {
		return "", fmt.Errorf("invalid query URL %q: %w", queryURL, err)
	}
	return u.ResolveReference(&url.URL{Path: "ingest"}).String(), nil
}
