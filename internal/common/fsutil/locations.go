// fsutil/locations.go
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/deploymenttheory/go-rawscan/internal/common/osutil"
)

// GetHomeDir returns the user's home directory
func GetHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return home, nil
}

// GetConfigDir returns the appropriate configuration directory for the application
func GetConfigDir(appName string) (string, error) {
	if osutil.IsDevEnvironment() {
		return "config", nil
	}

	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, appName), nil

	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName), nil

	default:
		// XDG Base Directory specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, appName), nil
	}
}

// GetSystemConfigDir returns the system-wide configuration directory
func GetSystemConfigDir(appName string) (string, error) {
	if osutil.IsDevEnvironment() {
		return "config", nil
	}

	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("ProgramData")
		if programData == "" {
			systemDrive := os.Getenv("SystemDrive")
			if systemDrive == "" {
				systemDrive = "C:"
			}
			programData = filepath.Join(systemDrive, "ProgramData")
		}
		return filepath.Join(programData, appName), nil

	case "darwin":
		return filepath.Join("/Library", "Application Support", appName), nil

	default:
		etcPaths := []string{
			filepath.Join("/etc", appName),
			filepath.Join("/usr/local/etc", appName),
		}
		for _, path := range etcPaths {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
		return filepath.Join("/etc", appName), nil
	}
}

// GetLogDir returns the appropriate log directory for the application
func GetLogDir(appName string) (string, error) {
	if osutil.IsDevEnvironment() {
		return "logs", nil
	}

	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(localAppData, appName, "Logs"), nil

	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName), nil

	default:
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return filepath.Join(stateHome, appName, "logs"), nil
		}
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			dataHome = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataHome, appName, "logs"), nil
	}
}

// GetTempDir returns the scratch directory for expanded images
func GetTempDir(appName string) (string, error) {
	return filepath.Join(os.TempDir(), appName), nil
}
