// Package storage defines the Store interface and its BoltDB-backed
// implementation: builds, workers, build logs, and telemetry samples,
// one bucket per entity, JSON-marshaled. Reads may run concurrently;
// callers needing cross-entity atomicity go through pkg/controller's FSM
// instead of issuing raw Store calls directly.
package storage
