package versions

import "github.com/Masterminds/semver/v3"

// IsNewer reports whether writer is a release strictly newer than running.
// Development builds and other non-semver strings never compare as newer.
func IsNewer(writer, running string) bool {
	w, err := semver.NewVersion(writer)
	if err != nil {
		return false
	}
	r, err := semver.NewVersion(running)
	if err != nil {
		return false
	}
	return w.GreaterThan(r)
}
