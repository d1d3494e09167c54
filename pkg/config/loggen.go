package config

// LoadGenConfig configures the synthetic log generator.
type LoadGenConfig struct {
	ProcessorURL string
	Rate         int
	Workers      int
	LogLevel     string
}

// LoadLoadGenConfig constructs a LoadGenConfig from environment variables.
func LoadLoadGenConfig() LoadGenConfig {
	return LoadGenConfig{
		ProcessorURL: GetString("PROCESSOR_URL", "http://log-processor:8080"),
		Rate:         GetInt("LOG_RATE", 10),
		Workers:      GetInt("LOGGEN_WORKERS", 1),
		LogLevel:     GetString("LOG_LEVEL", "info"),
	}
}
