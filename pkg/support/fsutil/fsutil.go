// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves the file paths given on the command line.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Exists returns whether the file or directory exists, or an error if the file system failed otherwise.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandHome replaces a leading "~" or "~user" by the corresponding home directory.
// Paths not starting with "~" are returned unchanged.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], "/")
	var (
		usr *user.User
		err error
	)
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find home directory for %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ResolveInput expands the home directory of path and checks that the file exists.
func ResolveInput(path string) (string, error) {
	resolved, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	exists, err := Exists(resolved)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("file %q not found", path)
	}
	return resolved, nil
}

// ResolveOutput expands the home directory of path and checks that its parent directory exists.
func ResolveOutput(path string) (string, error) {
	resolved, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(resolved)
	exists, err := Exists(dir)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("directory %q of output file %q doesn't exist", dir, path)
	}
	return resolved, nil
}
