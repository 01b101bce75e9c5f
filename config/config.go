// Package config manages beacon relay configuration via Viper.
//
// Configuration is merged from defaults, an optional beacon.toml found by
// walking up from the working directory, and BEACON_* environment variables.
package config

// Config is the root relay configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Relay    RelayConfig    `mapstructure:"relay"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RelayConfig holds protocol-level settings.
type RelayConfig struct {
	// Name is advertised in logs and the CLI banner.
	Name string `mapstructure:"name"`
	// URL is the relay's public URL, required when auth.require_relay_tag
	// is enabled so AUTH events can be checked against it.
	URL string `mapstructure:"url"`
	// MaxMessageBytes caps inbound WebSocket frames.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// MaxEventsPerMinute limits how fast one connection may publish.
	// Zero disables the limit.
	MaxEventsPerMinute int `mapstructure:"max_events_per_minute"`

	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig controls the NIP-42 style challenge/response flow.
type AuthConfig struct {
	// Challenge enables issuing an AUTH challenge on connect.
	Challenge bool `mapstructure:"challenge"`
	// RequireRelayTag requires AUTH events to carry a relay tag matching
	// relay.url.
	RequireRelayTag bool `mapstructure:"require_relay_tag"`
}
