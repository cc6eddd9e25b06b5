// Package logx wraps zerolog behind a small, service-friendly API.
//
// Components receive a Logger value; the Service owns the sinks and can
// swap levels/outputs at runtime without invalidating existing loggers.
package logx
