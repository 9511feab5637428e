package store

import "strings"

// isSQLiteBusy reports whether err is one of SQLite's concurrency errors.
// The driver surfaces them as SQLITE_BUSY or "database is locked" depending
// on where the contention happened; both warrant a retry.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
