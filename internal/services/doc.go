// Package services defines shared utilities consumed by the scheduler,
// pipeline stages, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, owner IDs, stage names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into the error taxonomy the scheduler and API layer rely on
//     (validation, resource, invalid state, not found, transient, fatal).
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
