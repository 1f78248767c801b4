package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs from the
// storage server and both proxies can be aggregated and queried together.
const (
	// Request identification
	KeyOperation = "operation" // Endpoint name: put, get, describe, update, unlink, query
	KeyClientIP  = "client_ip" // Client IP address
	KeyStatus    = "status"    // HTTP status code served

	// Entity identification
	KeyUID    = "uid"    // Record uid
	KeyFamily = "family" // Storage family (empty for generic)
	KeyPath   = "path"   // Blob path or local file path
	KeyMime   = "mime"   // Entity MIME type
	KeyComp   = "comp"   // Compression algorithm

	// Sizes and timing
	KeySize     = "size"        // Byte count
	KeyDuration = "duration_ms" // Elapsed time in milliseconds

	// Upstream servers (proxies)
	KeyServer = "server" // host:port of the upstream storage server

	// Errors
	KeyError = "error"
)

// Err returns a slog attribute for an error value, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// F is shorthand for building an attribute from any value.
func F(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// Sprintf formats a value for logging contexts that require a string.
func Sprintf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
