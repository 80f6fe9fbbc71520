// Package logx wraps zerolog behind a small structured-logging API with
// hot-swappable sinks (console, file). Components hold a Logger value;
// the Service owns the sinks and can re-apply config at runtime without
// invalidating existing Logger handles.
package logx
