// Package fsutil holds filesystem helpers shared by the pipeline stages.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
)

// Remove deletes path and reports whether a file was actually removed.
// A file that is already gone counts as success.
func Remove(path string) (bool, error) {
	if path == "" {
		return false, nil
	}

	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
