package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed release version. Anything that does not look like
// MAJOR.MINOR.PATCH is treated as a development build.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
	dev                 bool
}

func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" || s == "dev" {
		return Version{dev: true}
	}
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	var v Version
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s, v.Pre = s[:i], s[i+1:]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{dev: true}
	}
	nums := [3]*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{dev: true}
		}
		*nums[i] = n
	}
	return v
}

func (v Version) IsDev() bool { return v.dev }

// IsOlderThan compares release versions. A pre-release sorts before the
// release it precedes.
func (v Version) IsOlderThan(other Version) bool {
	if v.dev || other.dev {
		return false
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	switch {
	case v.Pre == other.Pre:
		return false
	case v.Pre == "":
		return false
	case other.Pre == "":
		return true
	}
	return v.Pre < other.Pre
}

func (v Version) String() string {
	if v.dev {
		return "dev"
	}
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}
