// Package security guards the files the client writes on a user's behalf.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// canonical resolves path to an absolute, symlink-free form. A path that
// does not exist yet is resolved through its nearest existing ancestor, so
// a link planted in a parent directory cannot redirect the write.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory returns an error unless filePath, after
// cleaning and symlink resolution, lies inside safeDir.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	path, err := canonical(filePath)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	dir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// ValidateExportPath accepts frame exports written under the temp
// directory or the current working directory.
func ValidateExportPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	allowed := []string{os.TempDir(), cwd}
	for _, dir := range allowed {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("export path %s must be within one of %v", filePath, allowed)
}
