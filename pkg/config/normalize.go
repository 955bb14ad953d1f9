package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/japaniel/docdedup/pkg/db"
)

func (c *Config) normalize() error {
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.Store.Path != db.MemoryPath {
		var err error
		if c.Store.Path, err = expandPath(c.Store.Path); err != nil {
			return fmt.Errorf("store.path: %w", err)
		}
	}
	if c.Store.BusyTimeoutMS <= 0 {
		c.Store.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	if c.Store.TxTimeoutSeconds <= 0 {
		c.Store.TxTimeoutSeconds = defaultTxTimeoutSeconds
	}

	c.Ingest.SourceName = strings.TrimSpace(c.Ingest.SourceName)
	c.Ingest.Collection = strings.TrimSpace(c.Ingest.Collection)
	if c.Ingest.FlushIntervalMS <= 0 {
		c.Ingest.FlushIntervalMS = defaultFlushIntervalMS
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	return nil
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	key   string
	apply func(c *Config, v string) error
}{
	{"DOCDEDUP_DB", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"DOCDEDUP_SOURCE_NAME", func(c *Config, v string) error { c.Ingest.SourceName = v; return nil }},
	{"DOCDEDUP_COLLECTION", func(c *Config, v string) error { c.Ingest.Collection = v; return nil }},
	{"DOCDEDUP_BATCH_SIZE", func(c *Config, v string) error { return setInt(&c.Ingest.BatchSize, v) }},
	{"DOCDEDUP_WORKERS", func(c *Config, v string) error { return setInt(&c.Ingest.Workers, v) }},
	{"DOCDEDUP_MERGE_THRESHOLD", func(c *Config, v string) error { return setFloat(&c.Dedup.MergeThreshold, v) }},
	{"DOCDEDUP_OVERLAP_THRESHOLD", func(c *Config, v string) error { return setFloat(&c.Dedup.OverlapThreshold, v) }},
	{"DOCDEDUP_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"DOCDEDUP_API_BIND", func(c *Config, v string) error { c.API.Bind = v; return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", o.key, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("expected an integer, got %q", v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("expected a number, got %q", v)
	}
	*dst = f
	return nil
}
