package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Store contains the location and tuning of the canonical store.
type Store struct {
	Path             string `toml:"path"`
	BusyTimeoutMS    int    `toml:"busy_timeout_ms"`
	TxTimeoutSeconds int    `toml:"tx_timeout_seconds"`
}

// Ingest contains ingestion pipeline settings.
type Ingest struct {
	SourceName      string `toml:"source_name"`
	Collection      string `toml:"collection"`
	BatchSize       int    `toml:"batch_size"`
	Workers         int    `toml:"workers"`
	FlushIntervalMS int    `toml:"flush_interval_ms"`
	ReadRetries     int    `toml:"read_retries"`
	RetryBackoffMS  int    `toml:"retry_backoff_ms"`
}

// Dedup contains the similarity thresholds.
type Dedup struct {
	// MergeThreshold is the shingle similarity at or above which two
	// documents are the same document. Default: 0.90
	MergeThreshold float64 `toml:"merge_threshold"`
	// OverlapThreshold is the lowest similarity recorded as a partial
	// overlap. Default: 0.30
	OverlapThreshold float64 `toml:"overlap_threshold"`
	// AmbiguityMargin is how close the two best fuzzy matches may be before
	// the document is queued for review instead of merged. Default: 0.02
	AmbiguityMargin float64 `toml:"ambiguity_margin"`
	CandidateLimit  int     `toml:"candidate_limit"`
	ShingleSize     int     `toml:"shingle_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Pretty *bool  `toml:"pretty"`
}

// API contains the reporting server settings.
type API struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for docdedup.
//
// Configuration sections by subsystem:
//   - Store: database location and transaction limits
//   - Ingest: source defaults, batching and concurrency
//   - Dedup: merge, overlap and ambiguity thresholds
//   - Logging: log level and console formatting
//   - API: reporting server bind address
type Config struct {
	Store   Store   `toml:"store"`
	Ingest  Ingest  `toml:"ingest"`
	Dedup   Dedup   `toml:"dedup"`
	Logging Logging `toml:"logging"`
	API     API     `toml:"api"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. Environment
// variables (DOCDEDUP_*) override file values. The returned config has all
// path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, "", false, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs(projectConfigName)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Store.BusyTimeoutMS) * time.Millisecond
}

// TxTimeout bounds one batch transaction.
func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Store.TxTimeoutSeconds) * time.Second
}

// FlushInterval returns how long a partial batch may wait before commit.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Ingest.FlushIntervalMS) * time.Millisecond
}

// RetryBackoff returns the base delay between raw file read attempts.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Ingest.RetryBackoffMS) * time.Millisecond
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
