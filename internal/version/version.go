package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Short returns "version (sha)" for status endpoints and startup logs.
func Short() string {
	return Version + " (" + GitSHA + ")"
}
