// Package config loads, validates, and normalizes scenarioforge configuration.
//
// Configuration lives in a single TOML file with sections per subsystem
// (paths, server, queue, limits, retention, llm, pipeline, logging). Load
// applies defaults for missing values, expands and absolutizes paths, and
// rejects configurations that would let the daemon start in an unusable state.
package config
