package objects

import (
	"fmt"
	"strconv"
	"strings"
)

// Version represents a .NET System.Version value: major.minor[.build[.revision]].
// CLIXML serializes it as the <Version> primitive tag (MS-PSRP 2.2.5.1.8).
type Version struct {
	Major    int
	Minor    int
	Build    int // -1 if absent
	Revision int // -1 if absent
}

// NewVersion creates a two-component Version (build and revision absent).
func NewVersion(major, minor int) Version {
	return Version{Major: major, Minor: minor, Build: -1, Revision: -1}
}

// String formats the version the way .NET's Version.ToString does: only the
// components that are present are rendered.
func (v Version) String() string {
	parts := []string{strconv.Itoa(v.Major), strconv.Itoa(v.Minor)}
	if v.Build >= 0 {
		parts = append(parts, strconv.Itoa(v.Build))
		if v.Revision >= 0 {
			parts = append(parts, strconv.Itoa(v.Revision))
		}
	}
	return strings.Join(parts, ".")
}

// ParseVersion parses the CLIXML <Version> textual form.
func ParseVersion(s string) (Version, error) {
	fields := strings.Split(s, ".")
	if len(fields) < 2 || len(fields) > 4 {
		return Version{}, fmt.Errorf("invalid version %q: expected 2-4 components", s)
	}
	v := Version{Build: -1, Revision: -1}
	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: component %d: %w", s, i, err)
		}
		nums[i] = n
	}
	v.Major = nums[0]
	v.Minor = nums[1]
	if len(nums) > 2 {
		v.Build = nums[2]
	}
	if len(nums) > 3 {
		v.Revision = nums[3]
	}
	return v, nil
}
