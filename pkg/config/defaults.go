package config

import "github.com/pennsieve/agent/internal/bytesize"

// Defaults for the [agent] section. Workers are on unless the config
// switches them off.
const (
	DefaultPageSize       int64 = 100_000
	DefaultProxyPort            = 8080
	DefaultTimeseriesPort       = 9090
	DefaultStatusPort           = 11235

	DefaultSoftCacheSize = 5 * bytesize.GB
	DefaultHardCacheSize = 10 * bytesize.GB
)

// ApplyDefaults fills cfg with the documented defaults. Load calls it
// before reading the file, so partial files only override what they
// mention.
func ApplyDefaults(cfg *Config) {
	cfg.Agent = AgentConfig{
		CachePageSize:       DefaultPageSize,
		CacheSoftSize:       DefaultSoftCacheSize,
		CacheHardSize:       DefaultHardCacheSize,
		Proxy:               true,
		ProxyLocalPort:      DefaultProxyPort,
		Timeseries:          true,
		TimeseriesLocalPort: DefaultTimeseriesPort,
		Uploader:            true,
		Metrics:             true,
		StatusPort:          DefaultStatusPort,
	}
}
