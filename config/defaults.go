package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "beacon.db")

	// Server defaults
	v.SetDefault("server.addr", "127.0.0.1:4848")
	v.SetDefault("server.allowed_origins", []string{})

	// Relay defaults
	v.SetDefault("relay.name", "beacon")
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.max_message_bytes", 512*1024)
	v.SetDefault("relay.max_events_per_minute", 0)

	// Auth defaults: challenge issued, relay tag not enforced until a
	// public URL is configured
	v.SetDefault("relay.auth.challenge", true)
	v.SetDefault("relay.auth.require_relay_tag", false)
}
