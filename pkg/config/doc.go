// Package config loads the controller's process-wide configuration from
// a YAML file with environment-variable overrides, validating it once at
// startup. Configuration is immutable thereafter — there is no reload
// path, matching the teacher's own treatment of its CLI flags as
// fixed-at-launch state.
package config
