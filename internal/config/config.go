// Package config provides configuration loading and validation.
package config

// Config holds the server configuration.
type Config struct {
	// ListenAddr is the address to listen on.
	// Example: ":8468"
	ListenAddr string `toml:"listen_addr"`

	Logging    LoggingConfig    `toml:"logging"`
	Store      StoreConfig      `toml:"store"`
	Plex       PlexConfig       `toml:"plex"`
	Redemption RedemptionConfig `toml:"redemption"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `toml:"level"`

	// Format is one of: json, text
	Format string `toml:"format"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Driver is one of the registered store drivers (memory, sqlite, postgres).
	Driver string `toml:"driver"`

	// DataDir is where file-backed drivers keep their data.
	DataDir string `toml:"data_dir"`

	// Options holds driver-specific settings (e.g. postgres dsn).
	Options map[string]any `toml:"options"`
}

// PlexConfig holds remote service settings.
type PlexConfig struct {
	// BaseURL is the plex.tv API origin. Empty uses the default.
	BaseURL string `toml:"base_url"`

	// TimeoutMS bounds each remote call in milliseconds.
	TimeoutMS int `toml:"timeout_ms"`

	// PropagationDelayMS is the wait after grant and confirm calls,
	// in milliseconds.
	PropagationDelayMS int `toml:"propagation_delay_ms"`

	// Server optionally bootstraps the media server record at startup.
	Server *MediaServerConfig `toml:"server"`
}

// MediaServerConfig describes the shared media server.
type MediaServerConfig struct {
	Name      string `toml:"name"`
	MachineID string `toml:"machine_id"`
	URL       string `toml:"url"`
	Token     string `toml:"token"`
}

// RedemptionConfig holds saga tunables.
type RedemptionConfig struct {
	// MaxRetries bounds conflict retries of the consume transaction.
	MaxRetries int `toml:"max_retries"`

	// InitialRetryDelayMS seeds the exponential backoff, in milliseconds.
	InitialRetryDelayMS int `toml:"initial_retry_delay_ms"`
}

// DefaultConfig returns a Config with sensible defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8468",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: ".plexward",
		},
		Plex: PlexConfig{
			TimeoutMS:          10000,
			PropagationDelayMS: 3000,
		},
		Redemption: RedemptionConfig{
			MaxRetries:          3,
			InitialRetryDelayMS: 100,
		},
	}
}

// Redacted returns a copy safe for logging: secrets are masked.
func (c *Config) Redacted() Config {
	out := *c
	if c.Plex.Server != nil {
		server := *c.Plex.Server
		if server.Token != "" {
			server.Token = "***"
		}
		out.Plex.Server = &server
	}
	if c.Store.Options != nil {
		opts := make(map[string]any, len(c.Store.Options))
		for k, v := range c.Store.Options {
			if k == "dsn" || k == "password" {
				opts[k] = "***"
			} else {
				opts[k] = v
			}
		}
		out.Store.Options = opts
	}
	return out
}
