package utils

import (
	"errors"
	"os"

	"github.com/spf13/afero"
)

// ListDirs returns the names of the sub directories of dir, a missing dir yields no entries
func ListDirs(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// ListFiles returns the names of the regular files in dir, a missing dir yields no entries
func ListFiles(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.Mode().IsRegular() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}
