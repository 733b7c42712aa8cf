package fsutil

import "os"

// DirExists checks if a directory exists
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// CreateDir creates a directory if it doesn't exist
func CreateDir(path string, perm os.FileMode) error {
	if DirExists(path) {
		return nil
	}
	return os.MkdirAll(path, perm)
}

// CreateDirIfNotExists creates a directory with standard permissions if it doesn't exist
func CreateDirIfNotExists(path string) error {
	return CreateDir(path, 0755)
}
