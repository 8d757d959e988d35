// Package buildinfo holds version metadata stamped in at link time:
//
//	go build -ldflags "-X github.com/alvicsam/cidermill/internal/buildinfo.Version=v0.3.0 \
//	  -X github.com/alvicsam/cidermill/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the short git hash the binary was built from.
	Commit = "unknown"

	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)

// String renders a one-line summary for `cidermill version`.
func String() string {
	return fmt.Sprintf("cidermill %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
