// Package logx is a thin structured-logging facade over zerolog.
//
// It exposes a small Logger type with Field helpers so callers never import
// zerolog directly, and a Service that owns the sink configuration (console,
// optional file) and can be re-applied at runtime on config reload.
package logx
