package osutil

import (
	"os"
	"runtime"
)

// IsDevEnvironment checks if the application is running in a development environment
// based on environment variables
func IsDevEnvironment() bool {
	return os.Getenv("RAWSCAN_ENV") == "development" ||
		os.Getenv("RAWSCAN_DEV") == "true" ||
		os.Getenv("DEV") == "true"
}

// IsRunningInPipeline returns true if running in a CI/CD pipeline environment
func IsRunningInPipeline() bool {
	return os.Getenv("CI") == "true" ||
		os.Getenv("PIPELINE") == "true" ||
		os.Getenv("GITHUB_ACTIONS") == "true" ||
		os.Getenv("JENKINS_URL") != ""
}

// IsPrivileged reports whether the process can open raw block devices
// without further permission checks
func IsPrivileged() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	return os.Geteuid() == 0
}

// GetNumCPU returns the number of logical CPUs on the system
func GetNumCPU() int {
	return runtime.NumCPU()
}
