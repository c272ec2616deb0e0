package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but the file is missing or invalid, loading fails.
	ConfigPath string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr  *string
	LogLevel    *string
	StoreDriver *string
	DataDir     *string
	PlexBaseURL *string
}

// fileConfig mirrors Config but with pointer sections to detect presence.
type fileConfig struct {
	ListenAddr string `toml:"listen_addr"`

	Logging    *LoggingConfig    `toml:"logging"`
	Store      *StoreConfig      `toml:"store"`
	Plex       *PlexConfig       `toml:"plex"`
	Redemption *RedemptionConfig `toml:"redemption"`
}

// Load loads configuration with the following precedence:
//  1. Start from defaults
//  2. Overlay TOML config file values
//  3. Overlay CLI flags
//  4. Validate enum fields
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid
// TOML, Load returns an error (fail fast). Unknown TOML keys produce a
// warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}

		var fc fileConfig
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}

		overlayFileConfig(cfg, &fc)
	}

	overlayFlags(cfg, opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFileConfig applies TOML file values onto cfg.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}

	if fc.Logging != nil {
		if fc.Logging.Level != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		if fc.Logging.Format != "" {
			cfg.Logging.Format = fc.Logging.Format
		}
	}

	if fc.Store != nil {
		if fc.Store.Driver != "" {
			cfg.Store.Driver = fc.Store.Driver
		}
		if fc.Store.DataDir != "" {
			cfg.Store.DataDir = fc.Store.DataDir
		}
		if len(fc.Store.Options) > 0 {
			cfg.Store.Options = fc.Store.Options
		}
	}

	if fc.Plex != nil {
		if fc.Plex.BaseURL != "" {
			cfg.Plex.BaseURL = fc.Plex.BaseURL
		}
		if fc.Plex.TimeoutMS != 0 {
			cfg.Plex.TimeoutMS = fc.Plex.TimeoutMS
		}
		if fc.Plex.PropagationDelayMS != 0 {
			cfg.Plex.PropagationDelayMS = fc.Plex.PropagationDelayMS
		}
		if fc.Plex.Server != nil {
			server := *fc.Plex.Server
			cfg.Plex.Server = &server
		}
	}

	if fc.Redemption != nil {
		if fc.Redemption.MaxRetries != 0 {
			cfg.Redemption.MaxRetries = fc.Redemption.MaxRetries
		}
		if fc.Redemption.InitialRetryDelayMS != 0 {
			cfg.Redemption.InitialRetryDelayMS = fc.Redemption.InitialRetryDelayMS
		}
	}
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.LogLevel != nil && *f.LogLevel != "" {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.StoreDriver != nil && *f.StoreDriver != "" {
		cfg.Store.Driver = *f.StoreDriver
	}
	if f.DataDir != nil && *f.DataDir != "" {
		cfg.Store.DataDir = *f.DataDir
	}
	if f.PlexBaseURL != nil && *f.PlexBaseURL != "" {
		cfg.Plex.BaseURL = *f.PlexBaseURL
	}
}

// validate checks enum-like fields and numeric ranges.
func validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of debug, info, warn, error", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q: must be one of json, text", cfg.Logging.Format)
	}

	if cfg.Store.Driver == "" {
		return fmt.Errorf("store.driver must not be empty")
	}

	if cfg.Redemption.MaxRetries < 0 {
		return fmt.Errorf("redemption.max_retries must not be negative")
	}
	if cfg.Redemption.InitialRetryDelayMS < 0 {
		return fmt.Errorf("redemption.initial_retry_delay_ms must not be negative")
	}

	if cfg.Plex.Server != nil {
		if cfg.Plex.Server.MachineID == "" {
			return fmt.Errorf("plex.server.machine_id must not be empty")
		}
		if cfg.Plex.Server.Token == "" {
			return fmt.Errorf("plex.server.token must not be empty")
		}
	}

	return nil
}
