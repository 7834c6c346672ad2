// Package logging builds the slog loggers used across the daemon and CLI.
//
// It provides a console handler (key=value lines with the component pulled
// into the prefix) and a JSON handler, a thin Attr alias layer so call sites
// stay terse, standardized field-name constants, and helpers that derive
// attributes (unit id, fingerprint, stage, correlation id) from context
// values placed there by the services package.
package logging
