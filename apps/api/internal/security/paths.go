// Package security keeps panel-managed paths inside their configured roots.
package security

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

func within(root, candidate string) bool {
	return candidate == root || strings.HasPrefix(candidate, root+string(os.PathSeparator))
}

// SafeJoin resolves userPath beneath root. Absolute inputs are treated as
// relative to root.
func SafeJoin(root, userPath string) (string, error) {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Trace(err)
	}
	rel := strings.TrimLeft(filepath.Clean(userPath), string(os.PathSeparator))
	if rel == "." {
		rel = ""
	}
	candidate, err := filepath.Abs(filepath.Join(cleanRoot, rel))
	if err != nil {
		return "", errors.Trace(err)
	}
	if !within(cleanRoot, candidate) {
		return "", errors.Forbiddenf("path %q escapes %s", userPath, root)
	}
	return candidate, nil
}

// Contained reports an error unless the absolute path lies strictly below
// root. The root itself is rejected so callers never remove it.
func Contained(root, path string) error {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return errors.Trace(err)
	}
	if !filepath.IsAbs(path) {
		return errors.NotValidf("relative path %q", path)
	}
	clean := filepath.Clean(path)
	if clean == cleanRoot || !within(cleanRoot, clean) {
		return errors.Forbiddenf("path %q outside %s", path, root)
	}
	return nil
}

// CheckSymlinkEscape rejects path when it resolves through a symlink to a
// location outside root. A path that does not exist yet passes.
func CheckSymlinkEscape(root, path string) error {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return errors.Trace(err)
	}
	if resolved, err := filepath.EvalSymlinks(cleanRoot); err == nil {
		cleanRoot = resolved
	}
	evaluated, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil
	}
	evaluated, err = filepath.Abs(evaluated)
	if err != nil {
		return errors.Trace(err)
	}
	if !within(cleanRoot, evaluated) {
		return errors.Forbiddenf("symlink %q escapes %s", path, root)
	}
	return nil
}
