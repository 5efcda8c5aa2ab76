package config

const (
	defaultWorkDir                 = "~/.local/share/affilink/work"
	defaultLogDir                  = "~/.local/share/affilink/logs"
	defaultExtractWorkers          = 0
	defaultExtractBatchSize        = 5000
	defaultFileSuffix              = ".jsonl.gz"
	defaultRegistryBaseURL         = "http://localhost:9292"
	defaultRegistryUserAgent       = "affilink/dev"
	defaultRegistryConcurrency     = 50
	defaultRegistryTimeoutSeconds  = 30
	defaultRegistryMaxAttempts     = 3
	defaultRegistryInitialBackoff  = 1000
	defaultRegistryMaxBackoff      = 30
	defaultResolveSyncEvery        = 1000
	defaultResolveProgressInterval = 30
	defaultReconcileBackend        = "memory"
	defaultReconcileOutput         = "enriched_records.jsonl"
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultMetricsTextfile         = "metrics.prom"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
		},
		Extract: Extract{
			Workers:    defaultExtractWorkers,
			BatchSize:  defaultExtractBatchSize,
			FileSuffix: defaultFileSuffix,
		},
		Registry: Registry{
			BaseURL:           defaultRegistryBaseURL,
			UserAgent:         defaultRegistryUserAgent,
			Concurrency:       defaultRegistryConcurrency,
			TimeoutSeconds:    defaultRegistryTimeoutSeconds,
			MaxAttempts:       defaultRegistryMaxAttempts,
			InitialBackoffMS:  defaultRegistryInitialBackoff,
			MaxBackoffSeconds: defaultRegistryMaxBackoff,
		},
		Resolve: Resolve{
			SyncEvery:        defaultResolveSyncEvery,
			ProgressInterval: defaultResolveProgressInterval,
		},
		Reconcile: Reconcile{
			Backend: defaultReconcileBackend,
			Output:  defaultReconcileOutput,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Metrics: Metrics{
			Textfile: defaultMetricsTextfile,
		},
	}
}
