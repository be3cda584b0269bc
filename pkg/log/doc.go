// Package log provides gate's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a bridge handler that feeds a formatter/outputs
// pipeline, keeping one consistent output shape across the codebase.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("scheduler"), log.Str("tenant", "default"))
//	l.Info("tick complete", log.Int("released", 12))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config supporting JSON
// or text formatting. To route standard library logs (e.g. pebble's) through
// the facade, call RedirectStdLog.
package log
