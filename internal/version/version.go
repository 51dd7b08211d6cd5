// Package version provides build-time version information.
package version

// Set at build time with -ldflags, e.g.
//
//	-X github.com/enoordeh/grizli/internal/version.GitCommit=<hash>
var (
	// Version is the semantic version of the fitting pipeline.
	Version = "0.1.0"

	// GitCommit is the git commit hash of the build.
	GitCommit = "unknown"
)
