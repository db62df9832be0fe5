// Package version holds build information stamped in at link time.
package version

// Set with -ldflags "-X github.com/bibin-skaria/snapbuild/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns the version with commit and build date
func String() string {
	return Version + " (commit: " + GitCommit + ", built: " + BuildDate + ")"
}
