package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the negotiated RT protocol version. Negotiated once per
// connection and immutable afterwards; it governs component item layouts.
type Version struct {
	Major int
	Minor int
}

// MinVersion is the lowest protocol version this client speaks.
var MinVersion = Version{Major: 1, Minor: 8}

// LatestVersion is the highest protocol version this client knows the
// component layouts for, and the default negotiation target.
var LatestVersion = Version{Major: 1, Minor: 25}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	return v.Minor >= o.Minor
}

// IsZero reports whether v is the unnegotiated zero version.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// ParseVersion parses "major.minor". It accepts the form the server uses
// both in Version packets and in "Version set to 1.19" command replies.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(strings.Trim(s, "\x00"))
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("parse version %q: missing separator", s)
	}
	ma, err := strconv.Atoi(major)
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	mi, err := strconv.Atoi(minor)
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	return Version{Major: ma, Minor: mi}, nil
}
