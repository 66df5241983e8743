// Package validation provides input validation utilities for the Mediary bridge.
// It covers endpoint addresses, file paths for key and certificate material, and
// sanitization of identities read from configuration.
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateFilePath validates paths to key, certificate and keystore files. It
// rejects traversal, optionally restricts the file to allowedDirs, and checks
// that the target is a readable regular file.
func ValidateFilePath(path string, allowedDirs []string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed in file path")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	cleanPath := filepath.Clean(absPath)

	if len(allowedDirs) > 0 && !withinAny(cleanPath, allowedDirs) {
		return fmt.Errorf("file path not in allowed directories")
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", cleanPath)
		}
		return fmt.Errorf("file not accessible: %w", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return fmt.Errorf("path is not a regular file: %s", cleanPath)
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("file not readable: %w", err)
	}
	file.Close()

	return nil
}

// ValidateConfigPath checks that the configuration file exists.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	if _, err := os.Stat(filepath.Clean(absPath)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist: %s", absPath)
		}
		return fmt.Errorf("config file not accessible: %w", err)
	}
	return nil
}

// ValidateDataPath validates the path of a file the bridge creates itself,
// such as the SQLite queue. The file need not exist yet.
func ValidateDataPath(path string) error {
	if path == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if path == ":memory:" {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed in data path")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("data path is a directory: %s", path)
	}
	return nil
}

func withinAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if path == absDir || strings.HasPrefix(path, absDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
