package config

const (
	defaultSourceDir           = "~/fanout/incoming"
	defaultQuarantineDir       = "~/.local/share/fanout/quarantine"
	defaultLogDir              = "~/.local/share/fanout/logs"
	defaultAPIBind             = "127.0.0.1:7519"
	defaultStabilityChecks     = 3
	defaultScanIntervalSeconds = 5
	defaultChunkSizeKiB        = 1024
	defaultWorkers             = 2
	defaultMaxInFlight         = 4
	defaultShutdownGrace       = 30
	defaultFailureThreshold    = 5
	defaultCooldownSeconds     = 60
	defaultMaxCooldownSeconds  = 900
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			SourceDir:     defaultSourceDir,
			QuarantineDir: defaultQuarantineDir,
			LogDir:        defaultLogDir,
			APIBind:       defaultAPIBind,
		},
		Detection: Detection{
			StabilityChecks:     defaultStabilityChecks,
			ScanIntervalSeconds: defaultScanIntervalSeconds,
			ExcludeSuffixes:     []string{".tmp", ".partial", ".fanout-partial"},
		},
		Copy: Copy{
			ChunkSizeKiB:         defaultChunkSizeKiB,
			Workers:              defaultWorkers,
			MaxInFlight:          defaultMaxInFlight,
			ShutdownGraceSeconds: defaultShutdownGrace,
		},
		Retry: Retry{
			TransientFilesystem: RetryPolicy{
				MaxAttempts:    5,
				BaseDelayMS:    500,
				Multiplier:     2.0,
				JitterFraction: 0.2,
				MaxDelayMS:     60_000,
			},
			TransientNetwork: RetryPolicy{
				MaxAttempts:    8,
				BaseDelayMS:    1000,
				Multiplier:     2.0,
				JitterFraction: 0.25,
				MaxDelayMS:     300_000,
			},
			ResourceExhaustion: RetryPolicy{
				MaxAttempts:    3,
				BaseDelayMS:    5000,
				Multiplier:     3.0,
				JitterFraction: 0.1,
				MaxDelayMS:     300_000,
			},
		},
		Breaker: Breaker{
			FailureThreshold:   defaultFailureThreshold,
			CooldownSeconds:    defaultCooldownSeconds,
			MaxCooldownSeconds: defaultMaxCooldownSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
