// Package version reports the pilot build version.
package version

import (
	"runtime/debug"
	"sync"
)

// version is set at build time via -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

var revision = sync.OnceValue(func() string { //nolint:gochecknoglobals // computed once from build info
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
})

// String returns the version set at build time, or "dev".
func String() string {
	return version
}

// Full returns the version followed by the VCS revision when the binary
// was built from a checkout.
func Full() string {
	if rev := revision(); rev != "" {
		return version + " (" + rev + ")"
	}
	return version
}
