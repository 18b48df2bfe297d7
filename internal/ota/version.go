package ota

import (
	"fmt"
	"regexp"
)

// VersionLength is the exact length of an accepted version tag,
// e.g. "VER-1.0.0-2025/01/01-12:00".
const VersionLength = 26

var versionPattern = regexp.MustCompile(`^VER-\d+\.\d+\.\d+-\d+/\d+/\d+-\d+:\d+$`)

// FormatError reports a version tag of the wrong length or shape.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

// ParseVersion validates a version tag of the form VER-x.x.x-y/m/d-h:m and
// returns it null-padded to VersionSize bytes.
func ParseVersion(input []byte) ([VersionSize]byte, error) {
	var out [VersionSize]byte

	if len(input) != VersionLength {
		return out, &FormatError{
			Input:  string(input),
			Reason: fmt.Sprintf("length %d, want %d", len(input), VersionLength),
		}
	}
	if !versionPattern.Match(input) {
		return out, &FormatError{
			Input:  string(input),
			Reason: "want VER-x.x.x-y/m/d-h:m",
		}
	}

	copy(out[:], input)
	return out, nil
}
