// Package services defines shared utilities consumed by the pipeline stages.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, and worker ordinals for
//     logging.
//   - Structured error markers plus the Wrap helper that classify failures as
//     fatal, interrupted, or configuration problems and map them to exit codes.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, exit status) stays uniform across the pipeline.
package services
