package config

const (
	defaultConfigPath       = "~/.config/docdedup/config.toml"
	projectConfigName       = "docdedup.toml"
	defaultStorePath        = "~/.local/share/docdedup/docdedup.db"
	defaultBusyTimeoutMS    = 5000
	defaultTxTimeoutSeconds = 30
	defaultSourceName       = "default"
	defaultBatchSize        = 50
	defaultWorkers          = 4
	defaultFlushIntervalMS  = 100
	defaultReadRetries      = 3
	defaultRetryBackoffMS   = 50
	defaultMergeThreshold   = 0.90
	defaultOverlapThreshold = 0.30
	defaultAmbiguityMargin  = 0.02
	defaultCandidateLimit   = 50
	defaultShingleSize      = 3
	defaultLogLevel         = "info"
	defaultAPIBind          = "127.0.0.1:7420"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Store: Store{
			Path:             defaultStorePath,
			BusyTimeoutMS:    defaultBusyTimeoutMS,
			TxTimeoutSeconds: defaultTxTimeoutSeconds,
		},
		Ingest: Ingest{
			SourceName:      defaultSourceName,
			BatchSize:       defaultBatchSize,
			Workers:         defaultWorkers,
			FlushIntervalMS: defaultFlushIntervalMS,
			ReadRetries:     defaultReadRetries,
			RetryBackoffMS:  defaultRetryBackoffMS,
		},
		Dedup: Dedup{
			MergeThreshold:   defaultMergeThreshold,
			OverlapThreshold: defaultOverlapThreshold,
			AmbiguityMargin:  defaultAmbiguityMargin,
			CandidateLimit:   defaultCandidateLimit,
			ShingleSize:      defaultShingleSize,
		},
		Logging: Logging{
			Level: defaultLogLevel,
		},
		API: API{
			Bind: defaultAPIBind,
		},
	}
}
