package cachekey

import (
	"fmt"
	"strconv"
	"strings"
)

// Arch is a target architecture: the (major, minor) compute capability pair.
type Arch struct {
	Major int
	Minor int
}

// String renders the architecture the way the tools spell it, e.g. "sm_86".
func (a Arch) String() string {
	return fmt.Sprintf("sm_%d%d", a.Major, a.Minor)
}

// ParseArch accepts "8.6", "8,6" and "sm_86" forms.
func ParseArch(s string) (Arch, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "sm_"); ok {
		if len(rest) < 2 {
			return Arch{}, fmt.Errorf("invalid architecture %q", s)
		}
		major, err := strconv.Atoi(rest[:len(rest)-1])
		if err != nil {
			return Arch{}, fmt.Errorf("invalid architecture %q: %w", s, err)
		}
		minor, err := strconv.Atoi(rest[len(rest)-1:])
		if err != nil {
			return Arch{}, fmt.Errorf("invalid architecture %q: %w", s, err)
		}
		return checkArch(s, major, minor)
	}
	sep := strings.IndexAny(s, ".,")
	if sep < 0 {
		return Arch{}, fmt.Errorf("invalid architecture %q (expected major.minor or sm_XY)", s)
	}
	major, err := strconv.Atoi(s[:sep])
	if err != nil {
		return Arch{}, fmt.Errorf("invalid architecture %q: %w", s, err)
	}
	minor, err := strconv.Atoi(s[sep+1:])
	if err != nil {
		return Arch{}, fmt.Errorf("invalid architecture %q: %w", s, err)
	}
	return checkArch(s, major, minor)
}

// checkArch rejects pairs that String could not render back unambiguously:
// "sm_XY" reserves exactly one digit for the minor version.
func checkArch(s string, major, minor int) (Arch, error) {
	if major < 0 || minor < 0 {
		return Arch{}, fmt.Errorf("invalid architecture %q: negative version", s)
	}
	if minor > 9 {
		return Arch{}, fmt.Errorf("invalid architecture %q: minor version must be a single digit", s)
	}
	return Arch{Major: major, Minor: minor}, nil
}

// words returns the fixed-width form hashed into keys: each number as its full
// 64-bit two's complement value, so distinct pairs never share a key.
func (a Arch) words() (uint64, uint64) {
	return uint64(int64(a.Major)), uint64(int64(a.Minor))
}
