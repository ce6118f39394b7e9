// Package security guards the file names the tools derive from user input.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ExportName turns a capture or run identifier into a file name stem. Runs of
// characters outside [A-Za-z0-9._-] become a single underscore, the result
// is capped at 96 bytes, and an empty stem becomes "capture".
func ExportName(s string) string {
	const maxLen = 96
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "capture"
	}
	return out
}

// JoinWithin joins name onto dir and fails if the result would land outside
// dir.
func JoinWithin(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	joined := filepath.Join(absDir, name)
	rel, err := filepath.Rel(absDir, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q escapes %s", name, dir)
	}
	return joined, nil
}
