// Package pkg provides shared utilities for the softdma data path.
//
// This package contains common functionality used by every layer of the
// DMA core (buffer pool, descriptor rings, interrupt dispatch, flow control
// and device lifecycle), including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors and the error taxonomy used across the core
//   - Component identifiers for log filtering
//   - Per-descriptor transfer status
//
// # Logging
//
// The logging subsystem wraps [log/slog] with data-path context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "device attached", "id", "sim0")
//
// # Errors
//
// Errors fall into four classes. Use [Class] to find the class of any
// wrapped error:
//
//	switch pkg.Class(err) {
//	case pkg.ErrResourceExhausted:
//	    // apply backpressure
//	case pkg.ErrProtocolViolation:
//	    // tear the device down
//	}
package pkg
