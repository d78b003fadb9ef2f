// Package config loads the ChainLoop runtime configuration from a JSON file,
// overlays secrets from the environment (optionally seeded from a .env file)
// and fills in defaults. The result is read once at startup and treated as
// immutable afterwards.
package config
