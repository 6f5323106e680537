// Package uid mints the identifiers carried by records, artifacts and requests.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 in canonical string form or panics if the
// random source fails.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether s is a well formed UUID of any version.
func Valid(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}

// Normalize lower-cases and trims s when it is a valid UUID and returns the
// empty string otherwise.
func Normalize(s string) string {
	parsed, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return parsed.String()
}
