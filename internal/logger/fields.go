package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so events from the
// cache, upload, and proxy workers can be aggregated and queried together.
const (
	// Workers and supervision
	KeyWorker = "worker" // Worker name: collector, uploader, watcher, ts_proxy, http_proxy, status_hub
	KeyPort   = "port"   // Local TCP port a worker listens on

	// Timeseries cache
	KeyPackage   = "package"   // Platform package (timeseries container) ID
	KeyChannel   = "channel"   // Channel ID (normalized form)
	KeyPageIndex = "page_index" // Page index within a channel
	KeyPageSize  = "page_size" // Samples per page
	KeySize      = "size"      // Size in bytes

	// Uploads
	KeyImportID = "import_id" // Import group identifier
	KeyDataset  = "dataset"   // Target dataset ID
	KeyPath     = "path"      // Local file path
	KeyProgress = "progress"  // Upload progress percentage
	KeyPart     = "part"      // Multipart part number

	// Network
	KeyClientIP = "client_ip" // Remote client address (without port)
	KeyMethod   = "method"    // HTTP method
	KeyURL      = "url"       // Request URL or path

	// Timing and errors
	KeyDuration = "duration_ms" // Operation duration in milliseconds
	KeyError    = "error"       // Error message
)

// Err returns a slog.Attr for an error value.
// Usage: logger.Error("operation failed", logger.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrString formats an error for the error field, handling nil.
func ErrString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
