// Package types defines the core data structures of the build controller:
// builds, workers, build logs, and telemetry samples, plus the enums that
// constrain their lifecycle fields.
//
// All types are plain structs serialized to JSON for storage in pkg/storage
// and for the HTTP API in pkg/api. Mutation is not synchronized by these
// types themselves; callers (pkg/controller) are responsible for
// serializing writes.
package types
