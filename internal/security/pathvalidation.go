// Package security validates filesystem paths taken from data files.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateWithinRoot checks that path resolves to a location inside root.
// Ledger artifact paths are relative and come from files other processes
// wrote, so a crafted "../" path or a symlink planted in the output tree
// must not let a transform read outside it. Both path and root must exist;
// symlinks are resolved before comparing.
func ValidateWithinRoot(path, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", path, err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}

	canonicalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", path, err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}

	rel, err := filepath.Rel(canonicalRoot, canonicalPath)
	if err != nil {
		return fmt.Errorf("path %s is outside %s: %w", path, root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, root)
	}
	return nil
}
