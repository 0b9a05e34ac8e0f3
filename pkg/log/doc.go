// Package log provides structured logging for the build controller via
// zerolog: a package-level Logger configured once with Init, and
// component-scoped child loggers (WithComponent, WithBuildID, WithWorkerID)
// for tagging related log lines without repeating fields.
//
// Token, access_token, otp, and vm_token fields are never passed to a
// logger — callers must not add them as structured fields.
package log
