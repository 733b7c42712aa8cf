package jsonutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/fsutil"
)

// Encode writes v to w as indented JSON
func Encode(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return nil
}

// WriteFile writes v to path as indented JSON, creating parent directories
func WriteFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return fsutil.WriteFile(path, append(data, '\n'), 0644)
}

// ReadFile decodes the JSON file at path into v
func ReadFile(path string, v interface{}) error {
	if !fsutil.FileExists(path) {
		return fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileReadError, err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrUnsupportedFile, err.Error())
	}
	return nil
}
