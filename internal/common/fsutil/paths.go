package fsutil

import (
	"path/filepath"
	"strings"
)

// ExpandTilde replaces a leading ~ with the user's home directory
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
