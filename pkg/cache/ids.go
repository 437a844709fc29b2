package cache

import (
	"runtime"
	"strings"
)

// normalizeID makes a platform identifier safe for use as a path component.
// Platform IDs contain ':' (e.g. "N:channel:<uuid>"), which is not a legal
// filename character on Windows. Normalization applies to path components
// and comparison keys; the raw value is retained for display.
func normalizeID(id string) string {
	if runtime.GOOS == "windows" {
		return strings.ReplaceAll(id, ":", "_")
	}
	return id
}

// NormalizeID is the exported form of normalizeID for callers matching
// segment sources against requested channels.
func NormalizeID(id string) string {
	return normalizeID(id)
}
