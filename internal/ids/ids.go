// Package ids generates and canonicalises the identifiers the client puts on
// the wire.
package ids

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewV7 returns a time-ordered UUIDv7 string or panics if generation fails.
func NewV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewV4 returns a random UUIDv4 string.
func NewV4() string {
	return uuid.NewString()
}

// Request returns a short, sortable identifier for a single HTTP attempt.
func Request() string {
	return xid.New().String()
}

// CanonicalUUID parses raw as a UUID in any of the accepted encodings
// (dashless, dashed, braced, urn) and returns the lower-case dashed form.
func CanonicalUUID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
