// Package logging provides structured logging for Hearthwire Core.
//
// It wraps the standard library's log/slog with configuration-driven
// handler selection and default service attributes. Components derive
// child loggers with With("component", name) so every log line carries
// its origin.
package logging
