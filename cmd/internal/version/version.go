package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrMalformedVersion is returned when a release string is not a dotted or comma separated pair or triplet of numbers
	ErrMalformedVersion = errors.New("malformed version")
	// ErrUnsupportedVersion is returned when no convention bucket exists for a release
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// Release is a parsed release of the managed database.
type Release struct {
	v *semver.Version
}

// Parse reads a release from text like "3.11.4", "2.1" or "2,1,0". A missing patch defaults to 0.
func Parse(text string) (Release, error) {
	trimmed := strings.TrimSpace(text)

	sep := "."
	if strings.Contains(trimmed, ",") {
		if strings.Contains(trimmed, ".") {
			return Release{}, fmt.Errorf("%w: mixed separators in %q", ErrMalformedVersion, text)
		}
		sep = ","
	}

	parts := strings.Split(trimmed, sep)
	if len(parts) < 2 || len(parts) > 3 {
		return Release{}, fmt.Errorf("%w: %q needs two or three components", ErrMalformedVersion, text)
	}

	var nums [3]uint64
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return Release{}, fmt.Errorf("%w: component %q of %q is not numeric", ErrMalformedVersion, p, text)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Release{}, fmt.Errorf("%w: component %q of %q: %w", ErrMalformedVersion, p, text, err)
		}
		nums[i] = n
	}

	return NewRelease(nums[0], nums[1], nums[2]), nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(text string) Release {
	r, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRelease constructs a release from its components.
func NewRelease(major, minor, patch uint64) Release {
	return Release{v: semver.New(major, minor, patch, "", "")}
}

func (r Release) version() *semver.Version {
	if r.v == nil {
		return semver.New(0, 0, 0, "", "")
	}
	return r.v
}

func (r Release) Major() uint64 { return r.version().Major() }
func (r Release) Minor() uint64 { return r.version().Minor() }
func (r Release) Patch() uint64 { return r.version().Patch() }

// Compare returns -1, 0 or 1 ordering releases by (major, minor, patch).
func (r Release) Compare(o Release) int {
	return r.version().Compare(o.version())
}

func (r Release) LessThan(o Release) bool {
	return r.Compare(o) < 0
}

func (r Release) Equal(o Release) bool {
	return r.Compare(o) == 0
}

// String renders the canonical dotted form major.minor.patch.
func (r Release) String() string {
	return r.version().String()
}
