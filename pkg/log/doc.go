// Package log provides a structured connection event trace for spork endpoints.
//
// This package defines the Logger interface and Event types for capturing
// listener and connection lifecycle events. It is separate from operational
// logging (zerolog): the trace is a machine-readable record that can be
// stored and replayed with the events command.
//
// # Basic Usage
//
//	// For development: log to console via zerolog
//	cfg.EventLogger = log.NewZerologAdapter(logger)
//
//	// For production: write to binary file
//	cfg.EventLogger, _ = log.NewFileLogger("/var/log/spork/server.slog")
//
//	// Both: use MultiLogger
//	cfg.EventLogger = log.NewMultiLogger(adapter, fileLogger)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys.
package log
