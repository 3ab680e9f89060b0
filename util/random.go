package util

import (
	"os"
)

// SetRandom isolates the current test process in a fresh data directory so
// sockets and advertising files from other runs are never discovered.
// Uses os.MkdirTemp rather than t.TempDir to keep socket paths short.
func SetRandom() string {
	dir, err := os.MkdirTemp("", "nb-")
	if err != nil {
		panic(err)
	}
	if err := SetDataDir(dir); err != nil {
		panic(err)
	}
	return dir
}

// ShortHash returns up to the first 8 characters of an identifier for log prefixes
func ShortHash(s string) string {
	if s == "" {
		return "(none)"
	}
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
