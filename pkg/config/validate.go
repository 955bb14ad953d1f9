package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateIngest() error {
	if c.Ingest.BatchSize < 1 {
		return errors.New("ingest.batch_size must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return errors.New("ingest.workers must be at least 1")
	}
	if c.Ingest.ReadRetries < 0 {
		return errors.New("ingest.read_retries must not be negative")
	}
	if c.Ingest.RetryBackoffMS < 0 {
		return errors.New("ingest.retry_backoff_ms must not be negative")
	}
	return nil
}

func (c *Config) validateDedup() error {
	d := c.Dedup
	if d.MergeThreshold <= 0 || d.MergeThreshold > 1 {
		return errors.New("dedup.merge_threshold must be in (0, 1]")
	}
	if d.OverlapThreshold <= 0 || d.OverlapThreshold >= d.MergeThreshold {
		return fmt.Errorf("dedup.overlap_threshold must be in (0, merge_threshold=%.2f)", d.MergeThreshold)
	}
	if d.AmbiguityMargin < 0 || d.AmbiguityMargin >= 1 {
		return errors.New("dedup.ambiguity_margin must be in [0, 1)")
	}
	if d.CandidateLimit < 1 {
		return errors.New("dedup.candidate_limit must be at least 1")
	}
	if d.ShingleSize < 1 {
		return errors.New("dedup.shingle_size must be at least 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
}
