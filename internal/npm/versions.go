package npm

import (
	"path"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
)

// SortVersions sorts version strings in ascending semver order.
// Strings that do not parse as semver are placed after all valid
// versions, ordered lexically.
func SortVersions(versions []string) {
	parsed := make(map[string]*semver.Version, len(versions))
	for _, v := range versions {
		if sv, err := semver.NewVersion(v); err == nil {
			parsed[v] = sv
		}
	}

	sort.SliceStable(versions, func(i, j int) bool {
		a, aok := parsed[versions[i]]
		b, bok := parsed[versions[j]]
		switch {
		case aok && bok:
			if c := a.Compare(b); c != 0 {
				return c < 0
			}
			return versions[i] < versions[j]
		case aok:
			return true
		case bok:
			return false
		}
		return versions[i] < versions[j]
	})
}

// ValidatePattern checks that p is a usable exclude pattern.
func ValidatePattern(p string) error {
	if _, err := path.Match(p, ""); err != nil {
		return errors.Wrapf(err, "invalid pattern %q", p)
	}
	return nil
}

// SelectVersions applies exclude patterns and then keeps the keep newest
// entries. versions must already be sorted ascending; keep <= 0 keeps all.
func SelectVersions(versions []string, keep int, excludePatterns []string) []string {
	selected := make([]string, 0, len(versions))
	for _, v := range versions {
		if matchesAny(v, excludePatterns) {
			continue
		}
		selected = append(selected, v)
	}

	if keep > 0 && len(selected) > keep {
		selected = selected[len(selected)-keep:]
	}
	return selected
}

func matchesAny(v string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, v); ok {
			return true
		}
	}
	return false
}
