// Package config loads, normalizes, and validates affilink configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// AFFILINK_REGISTRY_URL and AFFILINK_WORK_DIR. The Config type centralizes every
// knob the extraction, resolution, and reconciliation stages need, so the work
// directory and registry connection are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
