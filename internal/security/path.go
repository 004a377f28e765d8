// Package security validates file paths that arrive over the control API.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideDirectory is returned for a path that resolves outside its
// allowed directory.
var ErrOutsideDirectory = errors.New("path escapes allowed directory")

// canonical resolves symlinks in the longest existing prefix of path.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	rest := ""
	for dir := abs; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// WithinDirectory returns nil if path, with symlinks resolved, lies inside
// dir. The path itself need not exist.
func WithinDirectory(path, dir string) error {
	p, err := canonical(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	d, err := canonical(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s: %w %s", path, ErrOutsideDirectory, dir)
	}
	return nil
}

// SanitizeFilename keeps ASCII letters, digits, dot, underscore and dash
// and collapses everything else to single underscores.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			underscore = false
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
