// Package logging configures structured logging for scenarioforge.
//
// It builds log/slog loggers with either a console handler (human-oriented
// key=value lines) or a JSON handler, fanned out to stdout and the daemon log
// file. Helper constructors mirror slog attribute functions so call sites stay
// terse, and standardized field keys keep job, owner, and stage identifiers
// consistent across components.
package logging
