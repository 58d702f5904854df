// Package version reports which build of the astromech binary is
// running, for the startup log and the /health payload.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes the version string.
const AppName = "astromech"

// commit can be injected with
//
//	-ldflags "-X github.com/thebobhuff/Astromech-Agent/pkg/version.commit=<sha>"
//
// for builds where VCS metadata is stripped (container images, source
// tarballs). When empty the revision is read from build info instead.
var commit string

var resolveCommit = sync.OnceValue(func() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
})

// Commit returns the short git revision the binary was built from, or
// "dev" when no revision is recorded.
func Commit() string { return resolveCommit() }

// Full returns "astromech/<commit>".
func Full() string { return AppName + "/" + Commit() }
