package versions

import "github.com/Masterminds/semver/v3"

// Highest returns the greatest of the given semantic versions. Strings that
// do not parse are ignored; ok is false when none parse.
func Highest(candidates []string) (highest string, ok bool) {
	var best *semver.Version
	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			highest = c
		}
	}
	return highest, best != nil
}
