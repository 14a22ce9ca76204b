// Package version carries build metadata injected at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.3.0 -X .../internal/version.GitSHA=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata as a one-line banner.
func String() string {
	return fmt.Sprintf("amused %s (%s, built %s)", Version, GitSHA, BuildTime)
}
