package api

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Version identifies a backend REST API revision. Versions are ordered by
// Major then Minor; the zero value is not a valid version.
type Version struct {
	Major int
	Minor int
}

var (
	// V2 is the legacy revision that keys collections by name.
	V2 = Version{Major: 2}
	// V2_1 introduced tenants, list-shaped collections and the data envelope.
	V2_1 = Version{Major: 2, Minor: 1}
	// V2_2 added placement modes, per-GB performance policies and retype.
	V2_2 = Version{Major: 2, Minor: 2}
)

// KnownVersions lists every revision this client can speak, newest first.
func KnownVersions() []Version {
	return []Version{V2_2, V2_1, V2}
}

// ParseVersion accepts "2", "2.1" and "v2.2" style identifiers.
func ParseVersion(raw string) (Version, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if s == "" {
		return Version{}, fmt.Errorf("api: empty version")
	}
	majorPart, minorPart, hasMinor := strings.Cut(s, ".")
	major, err := strconv.Atoi(majorPart)
	if err != nil || major <= 0 {
		return Version{}, fmt.Errorf("api: invalid version %q", raw)
	}
	v := Version{Major: major}
	if hasMinor {
		minor, err := strconv.Atoi(minorPart)
		if err != nil || minor < 0 {
			return Version{}, fmt.Errorf("api: invalid version %q", raw)
		}
		v.Minor = minor
	}
	return v, nil
}

// MustParseVersion is ParseVersion for constants; it panics on malformed input.
func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version the way the backend reports it ("2", "2.1").
func (v Version) String() string {
	if v.Minor == 0 {
		return strconv.Itoa(v.Major)
	}
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// PathSegment returns the URL prefix for the version ("v2.1").
func (v Version) PathSegment() string {
	return "v" + v.String()
}

// IsZero reports whether v is unset.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// Compare returns -1, 0 or +1 depending on whether v sorts before, equal to
// or after other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether v is older than other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// AtLeast reports whether v is the same as or newer than other.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// SortNewestFirst orders versions newest first and drops duplicates.
func SortNewestFirst(versions []Version) []Version {
	out := slices.Clone(versions)
	slices.SortFunc(out, func(a, b Version) int { return b.Compare(a) })
	return slices.Compact(out)
}
