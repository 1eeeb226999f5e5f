// Package config loads and validates the harbord YAML configuration.
package config
