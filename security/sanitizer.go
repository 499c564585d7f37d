package security

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// WorkspaceDirName is the subdirectory of a sandbox that file
// operations are confined to by default.
const WorkspaceDirName = "workspace"

// PathSanitizer confines caller-supplied paths to a sandbox directory.
//
// The sanitizer never fails: any path that resolves outside the
// sandbox, or that cannot be resolved at all, is replaced with the
// sandbox's workspace directory. Callers that need to distinguish a
// redirected path from an accepted one must compare the result against
// their input.
type PathSanitizer struct{}

// NewPathSanitizer creates a new PathSanitizer
func NewPathSanitizer() *PathSanitizer {
	return &PathSanitizer{}
}

// Sanitize resolves path against the sandbox directory and returns an
// absolute path guaranteed to lie within it.
//
// Absolute inputs are resolved independently and kept only if they are
// equal to or below the sandbox directory. Relative inputs are screened
// component by component (any ".." component, or a component made up
// entirely of dots, is a traversal attempt), joined under the workspace
// subdirectory, fully resolved through symlinks, and contain-checked
// against the sandbox. Every rejection and every resolution failure
// yields the workspace directory.
//
// Filenames that merely contain dot runs ("file..txt", "....txt")
// resolve normally: the check operates on resolved path structure, not
// on substring matching.
func (*PathSanitizer) Sanitize(path, sandboxDir string) string {
	sandboxResolved, err := resolvePath(sandboxDir)
	if err != nil {
		sandboxResolved = filepath.Clean(sandboxDir)
	}
	workspace := filepath.Join(sandboxResolved, WorkspaceDirName)

	if filepath.IsAbs(path) {
		resolved, err := resolvePath(path)
		if err != nil || !isWithin(resolved, sandboxResolved) {
			return workspace
		}
		return resolved
	}

	parts := strings.Split(strings.ReplaceAll(path, "\\", "/"), "/")
	components := make([]string, 0, len(parts))
	for _, part := range parts {
		switch {
		case part == "" || part == ".":
			// empty or current-directory component, skip
		case part == "..":
			return workspace
		case len(part) >= 2 && strings.Trim(part, ".") == "":
			// all-dots components ("...", "....") are treated as
			// traversal attempts; names with other characters pass
			return workspace
		default:
			components = append(components, part)
		}
	}
	if len(components) == 0 {
		return workspace
	}

	candidate := filepath.Join(append([]string{workspace}, components...)...)
	resolved, err := resolvePath(candidate)
	if err != nil || !isWithin(resolved, sandboxResolved) {
		return workspace
	}
	return resolved
}

// EnsureWithinSandbox reports whether path resolves to a location equal
// to or below the sandbox directory.
func (*PathSanitizer) EnsureWithinSandbox(path, sandboxDir string) bool {
	resolved, err := resolvePath(path)
	if err != nil {
		return false
	}
	sandboxResolved, err := resolvePath(sandboxDir)
	if err != nil {
		sandboxResolved = filepath.Clean(sandboxDir)
	}
	return isWithin(resolved, sandboxResolved)
}

// SanitizeFilename strips all path components from a filename,
// returning only the final element.
func (*PathSanitizer) SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}

// resolvePath resolves symlinks in path, tolerating a nonexistent
// tail: the longest existing ancestor is resolved and the remaining
// components are appended lexically.
func resolvePath(path string) (string, error) {
	p := filepath.Clean(path)
	var pending []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(pending) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, pending[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		pending = append(pending, filepath.Base(p))
		p = parent
	}
}

// isWithin reports whether path equals root or is a descendant of it.
// Both arguments must already be resolved absolute paths.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
