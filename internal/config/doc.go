// Package config provides configuration management for the group and
// permission service. Configuration is loaded from an optional YAML file
// with environment variable overrides, validated, and selected tunables
// can be hot-reloaded while the service runs.
package config
