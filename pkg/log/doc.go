// Package log provides structured logging for haggled using zerolog.
//
// The global Logger is configured once via Init and component packages
// derive scoped child loggers with WithComponent, WithNodeID,
// WithInterface, WithDataObjectID and WithConnection so that every log
// line can be filtered by the part of the daemon that emitted it.
package log
