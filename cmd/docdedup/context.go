package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/japaniel/docdedup/pkg/config"
	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/dedup"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/logging"
	"github.com/japaniel/docdedup/pkg/overlap"
	"github.com/japaniel/docdedup/pkg/query"
)

type globalFlags struct {
	config   string
	db       string
	logLevel string
	json     bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the configuration once and applies the global flag
// overrides on top of file and environment values.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if path := strings.TrimSpace(c.flags.db); path != "" {
			if path != db.MemoryPath {
				if path, err = config.ExpandPath(path); err != nil {
					c.configErr = fmt.Errorf("resolve --db: %w", err)
					return
				}
			}
			cfg.Store.Path = path
		}
		if level := strings.TrimSpace(c.flags.logLevel); level != "" {
			cfg.Logging.Level = strings.ToLower(level)
			if err := cfg.Validate(); err != nil {
				c.configErr = err
				return
			}
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.flags.json
}

// logger writes to the command's stderr so stdout stays parseable.
func (c *commandContext) logger(cmd *cobra.Command) zerolog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.Nop()
	}
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}

// openStore opens the configured store, creating its directory on first use.
func (c *commandContext) openStore() (*sql.DB, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path != db.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	conn, err := db.Open(cfg.Store.Path, db.OpenOptions{BusyTimeout: cfg.BusyTimeout()})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return conn, nil
}

func (c *commandContext) withStore(fn func(*sql.DB) error) error {
	conn, err := c.openStore()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// withQuery opens the store and hands a query service bound to the
// configured shingle size to fn.
func (c *commandContext) withQuery(fn func(*query.Service) error) error {
	return c.withStore(func(conn *sql.DB) error {
		svc := query.New(conn)
		svc.Hasher = c.hasher()
		return fn(svc)
	})
}

func (c *commandContext) hasher() *hasher.Hasher {
	cfg := c.configValue()
	return hasher.New(hasher.Options{ShingleSize: cfg.Dedup.ShingleSize})
}

func (c *commandContext) deduplicator(h *hasher.Hasher) *dedup.Deduplicator {
	cfg := c.configValue()
	return dedup.New(h, dedup.Options{
		MergeThreshold:  cfg.Dedup.MergeThreshold,
		AmbiguityMargin: cfg.Dedup.AmbiguityMargin,
		CandidateLimit:  cfg.Dedup.CandidateLimit,
	})
}

func (c *commandContext) overlapDetector(h *hasher.Hasher) *overlap.Detector {
	cfg := c.configValue()
	return overlap.New(h, overlap.Options{
		OverlapThreshold: cfg.Dedup.OverlapThreshold,
		MergeThreshold:   cfg.Dedup.MergeThreshold,
		CandidateLimit:   cfg.Dedup.CandidateLimit,
	})
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	if cfg == nil {
		d := config.Default()
		return &d
	}
	return cfg
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
