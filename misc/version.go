// Package misc keeps build time information.
package misc

// Values below are set at link time with -ldflags "-X annc/misc.version=..."
var (
	version = "dev"
	gitHash = "unknown"
	appName = "annc"
)

func GetVersion() string {
	return version
}

func GetGitHash() string {
	return gitHash
}

func GetAppName() string {
	return appName
}
