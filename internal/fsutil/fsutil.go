// Package fsutil holds the directory helpers used for lock-directory lifecycle.
//
// Neither helper performs locking; both are tolerant of the states they are
// asked to reach already being true.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates path and every missing ancestor.
// It reports whether the directory exists afterwards; "already exists" is success.
func EnsureDir(path string) bool {
	p := strings.TrimSpace(path)
	if p == "" || p == "." || p == ".." || p == string(filepath.Separator) {
		return false
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

// RemoveTree removes path and everything beneath it, depth first.
// A missing path is success. It reports false only when something was left behind.
func RemoveTree(path string) bool {
	p := strings.TrimSpace(path)
	if p == "" {
		return true
	}
	err := os.RemoveAll(p)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	_, statErr := os.Lstat(p)
	return errors.Is(statErr, fs.ErrNotExist)
}
