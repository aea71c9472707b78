// Package services defines shared utilities consumed by the stage processors
// and the consumer daemons.
//
// Key responsibilities:
//   - Context helpers that stamp item IDs, stage names, daemon names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap and Details helpers that turn
//     stage failures into the human-readable message recorded on the entity.
//
// Use these helpers when wiring new stage logic so failure reporting stays
// uniform across the pipeline.
package services
