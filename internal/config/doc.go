// Package config loads, normalizes, and validates crosspost configuration
// data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob
// the daemon and CLI need: staging directories, source accounts, per-stage
// retry policy, identity cooldown pacing, scheduler rate limits, and the
// external tool endpoints.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
