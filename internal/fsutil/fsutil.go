package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if strings.Contains(absPath, "..") {
		return fmt.Errorf("directory traversal not allowed")
	}

	return nil
}

func EnsureDirectoryExists(dirPath string) error {
	if err := ValidatePath(dirPath); err != nil {
		return err
	}

	return os.MkdirAll(dirPath, 0755)
}

// SanitizeKey reduces a repository or owner identifier to a safe storage key:
// only letters, digits, underscores and dashes survive. Anything else would
// let a crafted name collide with other keys or escape the backup root.
func SanitizeKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

var branchLabeler = strings.NewReplacer("/", "_", "\\", "_")

// SafeBranchLabel turns a branch name into a single filename segment, so
// "feature/x" becomes "feature_x" instead of nesting a directory.
func SafeBranchLabel(branch string) string {
	return branchLabeler.Replace(branch)
}
