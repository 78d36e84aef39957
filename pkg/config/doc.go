// Package config loads dnipipe runtime configuration from the environment
// (HOST, PORT, MAX_GLOBAL_WORKERS, per-stage tuning, ...) with an optional
// YAML file override. All knobs have documented defaults; nothing outside
// this package reads the environment.
package config
