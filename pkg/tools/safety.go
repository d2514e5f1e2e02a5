package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// protectedDirs are never valid write or shell targets, regardless of
// configuration.
var protectedDirs = []string{
	"/",
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/lib",
	"/proc",
	"/root",
	"/sbin",
	"/sys",
	"/usr",
	"/var",
}

// PathGuard rejects operations that target protected system directories or
// configured denied directories.
type PathGuard struct {
	denied []string
}

// NewPathGuard creates a guard with extra denied directories on top of the
// builtin protected set.
func NewPathGuard(denied []string) *PathGuard {
	cleaned := make([]string, 0, len(denied))
	for _, d := range denied {
		if d == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(d))
	}
	return &PathGuard{denied: cleaned}
}

// Check returns an error when the absolute form of path is a protected
// directory or lies inside a configured denied directory.
func (g *PathGuard) Check(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	for _, dir := range protectedDirs {
		if abs == dir {
			return fmt.Errorf("refusing to operate on protected directory %s", dir)
		}
	}
	if home, err := os.UserHomeDir(); err == nil && abs == filepath.Clean(home) {
		return fmt.Errorf("refusing to operate on home directory %s", home)
	}

	for _, dir := range g.denied {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return fmt.Errorf("path %s is inside denied directory %s", abs, dir)
		}
	}
	return nil
}
