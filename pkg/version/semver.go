package version

import (
	"fmt"
	"strconv"
	"strings"
)

// SemVer is a parsed semantic version. Build metadata is kept for display and ignored
// by Compare.
type SemVer struct {
	Major, Minor, Patch uint64
	Pre                 []string
	Build               string
}

// Parse accepts MAJOR.MINOR.PATCH with an optional "v" prefix, -prerelease and +build.
func Parse(raw string) (SemVer, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if s == "" {
		return SemVer{}, fmt.Errorf("empty version")
	}

	var v SemVer
	if i := strings.IndexByte(s, '+'); i >= 0 {
		v.Build = s[i+1:]
		s = s[:i]
		if err := checkIdentifiers(v.Build, false); err != nil {
			return SemVer{}, fmt.Errorf("version %q: build %w", raw, err)
		}
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre := s[i+1:]
		s = s[:i]
		if err := checkIdentifiers(pre, true); err != nil {
			return SemVer{}, fmt.Errorf("version %q: prerelease %w", raw, err)
		}
		v.Pre = strings.Split(pre, ".")
	}

	core := strings.Split(s, ".")
	if len(core) != 3 {
		return SemVer{}, fmt.Errorf("version %q: want MAJOR.MINOR.PATCH", raw)
	}
	nums := [3]*uint64{&v.Major, &v.Minor, &v.Patch}
	for i, part := range core {
		n, err := parseNumeric(part)
		if err != nil {
			return SemVer{}, fmt.Errorf("version %q: %w", raw, err)
		}
		*nums[i] = n
	}
	return v, nil
}

func parseNumeric(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty numeric part")
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("leading zero in %q", s)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return n, nil
}

func checkIdentifiers(s string, numericNoLeadingZero bool) error {
	for _, id := range strings.Split(s, ".") {
		if id == "" {
			return fmt.Errorf("has an empty identifier")
		}
		for _, r := range id {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return fmt.Errorf("identifier %q has invalid character %q", id, r)
			}
		}
		if numericNoLeadingZero && isNumeric(id) && len(id) > 1 && id[0] == '0' {
			return fmt.Errorf("identifier %q has a leading zero", id)
		}
	}
	return nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func (v SemVer) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Pre) > 0 {
		b.WriteString("-" + strings.Join(v.Pre, "."))
	}
	if v.Build != "" {
		b.WriteString("+" + v.Build)
	}
	return b.String()
}

// Compare returns -1, 0 or 1 following semver precedence.
func (v SemVer) Compare(other SemVer) int {
	for _, pair := range [][2]uint64{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if pair[0] != pair[1] {
			return cmpUint(pair[0], pair[1])
		}
	}

	// a release sorts after any of its prereleases
	switch {
	case len(v.Pre) == 0 && len(other.Pre) == 0:
		return 0
	case len(v.Pre) == 0:
		return 1
	case len(other.Pre) == 0:
		return -1
	}

	for i := 0; i < len(v.Pre) && i < len(other.Pre); i++ {
		if c := compareIdentifier(v.Pre[i], other.Pre[i]); c != 0 {
			return c
		}
	}
	return cmpUint(uint64(len(v.Pre)), uint64(len(other.Pre)))
}

func compareIdentifier(a, b string) int {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return cmpUint(an, bn)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}
	return strings.Compare(a, b)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
