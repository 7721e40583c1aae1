// Package logging provides the bridge's structured logger: a thin
// wrapper over log/slog that stamps every entry with the service name
// and version and reads level, format, and destination from the
// bridge config.
//
// Never log portal credentials or bearer tokens.
package logging
