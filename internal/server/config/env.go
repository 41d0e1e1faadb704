package config

import "github.com/caarlos0/env/v11"

// parseEnv overlays AUTHKEEPER_* environment variables onto the Config.
// Unset variables leave the current values untouched.
func parseEnv(config *Config) {
	if err := env.Parse(config); err != nil {
		panic(err)
	}
}
